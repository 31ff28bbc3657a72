package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/skudskud/polycool-copy-sub002/models"
)

// CredentialsStore resolves per-follower exchange credentials.
type CredentialsStore interface {
	GetTradingCredentials(ctx context.Context, followerID int64) (*models.TradingCredentials, error)
}

// ClobClient places orders against the exchange's CLOB REST API on behalf of
// followers. Each follower trades with their own API credentials, resolved
// lazily and cached for reuse.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialsStore

	credCache   map[int64]*models.TradingCredentials
	credCacheMu sync.RWMutex
}

// NewClobClient creates a CLOB execution client. baseURL defaults to the
// public endpoint when empty, timeout to 15s when non-positive.
func NewClobClient(baseURL string, creds CredentialsStore, timeout time.Duration) *ClobClient {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		credCache:  make(map[int64]*models.TradingCredentials),
	}
}

// GetOrderBook fetches the order book for a token
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	url := fmt.Sprintf("%s/book?token_id=%s", c.baseURL, tokenID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("get order book: %w", models.ErrStaleMarket)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order book: status %d: %s", resp.StatusCode, string(body))
	}

	var book OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("get order book: decode: %w", err)
	}
	return &book, nil
}

// ExecuteBuy places a fill-or-kill market buy sized in USDC.
func (c *ClobClient) ExecuteBuy(ctx context.Context, followerID int64, tokenID string, amountUSDC float64, negRisk bool) (*ExecutionResult, error) {
	return c.placeMarketOrder(ctx, followerID, tokenID, SideBuy, amountUSDC, negRisk)
}

// ExecuteSell places a fill-or-kill market sell sized in USDC.
func (c *ClobClient) ExecuteSell(ctx context.Context, followerID int64, tokenID string, amountUSDC float64, negRisk bool) (*ExecutionResult, error) {
	return c.placeMarketOrder(ctx, followerID, tokenID, SideSell, amountUSDC, negRisk)
}

func (c *ClobClient) placeMarketOrder(ctx context.Context, followerID int64, tokenID string, side Side, amountUSDC float64, negRisk bool) (*ExecutionResult, error) {
	creds, err := c.credentials(ctx, followerID)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for follower %d: %w", followerID, err)
	}

	payload := map[string]interface{}{
		"token_id":   tokenID,
		"side":       string(side),
		"amount":     strconv.FormatFloat(amountUSDC, 'f', 2, 64),
		"order_type": "FOK",
		"neg_risk":   negRisk,
		"owner":      creds.APIKey,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addL2Headers(req, creds, http.MethodPost, "/order", string(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("post order: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode, string(respBody))
	}

	var orderResp struct {
		Success         bool   `json:"success"`
		OrderID         string `json:"orderID"`
		Status          string `json:"status"`
		ErrorMsg        string `json:"errorMsg"`
		TransactionHash string `json:"transactionHash"`
		TakingAmount    string `json:"takingAmount"`
		MakingAmount    string `json:"makingAmount"`
	}
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("post order: decode: %w", err)
	}

	result := &ExecutionResult{
		Success:  orderResp.Success,
		OrderID:  orderResp.OrderID,
		TxRef:    orderResp.TransactionHash,
		ErrorMsg: orderResp.ErrorMsg,
	}
	if result.TxRef == "" {
		result.TxRef = orderResp.OrderID
	}

	// For a BUY the taking amount is outcome tokens; for a SELL it is USDC.
	taking := parseFloat(orderResp.TakingAmount)
	making := parseFloat(orderResp.MakingAmount)
	if side == SideBuy {
		result.Tokens = taking
		if taking > 0 {
			result.Price = making / taking
		}
	} else {
		result.Tokens = making
		if making > 0 {
			result.Price = taking / making
		}
	}

	if orderResp.Success {
		log.Printf("[ClobClient] %s order placed: follower=%d order=%s tokens=%.4f price=%.4f",
			side, followerID, orderResp.OrderID, result.Tokens, result.Price)
	}

	return result, nil
}

func (c *ClobClient) credentials(ctx context.Context, followerID int64) (*models.TradingCredentials, error) {
	c.credCacheMu.RLock()
	cached, ok := c.credCache[followerID]
	c.credCacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	creds, err := c.creds.GetTradingCredentials(ctx, followerID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("no trading credentials for follower %d", followerID)
	}

	c.credCacheMu.Lock()
	c.credCache[followerID] = creds
	c.credCacheMu.Unlock()
	return creds, nil
}

// InvalidateCredentials drops a follower's cached credentials, forcing a
// reload on next use.
func (c *ClobClient) InvalidateCredentials(followerID int64) {
	c.credCacheMu.Lock()
	delete(c.credCache, followerID)
	c.credCacheMu.Unlock()
}

// addL2Headers attaches HMAC-signed authentication headers.
func (c *ClobClient) addL2Headers(req *http.Request, creds *models.TradingCredentials, method, path, body string) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + method + path + body

	req.Header.Set("POLY_ADDRESS", creds.Address)
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", creds.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", hmacSign(message, creds.APISecret))
}

func hmacSign(message, secret string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
