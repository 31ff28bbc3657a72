package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/skudskud/polycool-copy-sub002/utils"
)

// DataClient reads the exchange's public data and metadata APIs: wallet
// balances, wallet activity, positions and market/token lookups. It backs the
// poll ingestion path and the market resolver's authoritative lookups.
type DataClient struct {
	dataURL    string
	gammaURL   string
	httpClient *http.Client
}

// NewDataClient creates a data API client. Empty URLs fall back to the public
// endpoints.
func NewDataClient(dataURL, gammaURL string) *DataClient {
	if dataURL == "" {
		dataURL = "https://data-api.polymarket.com"
	}
	if gammaURL == "" {
		gammaURL = "https://gamma-api.polymarket.com"
	}
	return &DataClient{
		dataURL:    dataURL,
		gammaURL:   gammaURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// GetWalletBalance returns the wallet's spendable USDC value.
func (c *DataClient) GetWalletBalance(ctx context.Context, address string) (float64, error) {
	endpoint := fmt.Sprintf("%s/value?user=%s", c.dataURL, utils.NormalizeAddress(address))

	var payload []struct {
		User  string  `json:"user"`
		Value float64 `json:"value"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return 0, fmt.Errorf("get wallet balance: %w", err)
	}
	if len(payload) == 0 {
		return 0, nil
	}
	return payload[0].Value, nil
}

// GetTrades returns a wallet's trades newer than since, most recent first.
func (c *DataClient) GetTrades(ctx context.Context, address string, since time.Time, limit int) ([]LeaderTrade, error) {
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("user", utils.NormalizeAddress(address))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("takerOnly", "false")
	if !since.IsZero() {
		params.Set("after", strconv.FormatInt(since.Unix(), 10))
	}

	endpoint := fmt.Sprintf("%s/trades?%s", c.dataURL, params.Encode())

	var trades []LeaderTrade
	if err := c.getJSON(ctx, endpoint, &trades); err != nil {
		return nil, fmt.Errorf("get trades for %s: %w", utils.ShortAddress(address), err)
	}
	return trades, nil
}

// GetPosition returns the wallet's current holding in one outcome token, or
// nil when the wallet holds none.
func (c *DataClient) GetPosition(ctx context.Context, address, tokenID string) (*WalletPosition, error) {
	params := url.Values{}
	params.Set("user", utils.NormalizeAddress(address))
	params.Set("asset", tokenID)

	endpoint := fmt.Sprintf("%s/positions?%s", c.dataURL, params.Encode())

	var positions []WalletPosition
	if err := c.getJSON(ctx, endpoint, &positions); err != nil {
		return nil, fmt.Errorf("get position for %s: %w", utils.ShortAddress(address), err)
	}

	for i := range positions {
		if positions[i].Asset == tokenID {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// HasTradingHistory reports whether the wallet has ever traded on the exchange.
func (c *DataClient) HasTradingHistory(ctx context.Context, address string) (bool, error) {
	trades, err := c.GetTrades(ctx, address, time.Time{}, 1)
	if err != nil {
		return false, err
	}
	return len(trades) > 0, nil
}

// gammaMarket is the metadata API's market shape. Token ids and outcome
// labels arrive as JSON-encoded string arrays.
type gammaMarket struct {
	ConditionID   string `json:"conditionId"`
	Question      string `json:"question"`
	Slug          string `json:"slug"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	NegRisk       bool   `json:"negRisk"`
	Outcomes      string `json:"outcomes"`
	OutcomePrices string `json:"outcomePrices"`
	ClobTokenIDs  string `json:"clobTokenIds"`
}

// GetMarketByConditionID looks a market up by its on-chain condition id.
func (c *DataClient) GetMarketByConditionID(ctx context.Context, conditionID string) (*MarketInfo, error) {
	endpoint := fmt.Sprintf("%s/markets?condition_ids=%s", c.gammaURL, conditionID)
	return c.getMarket(ctx, endpoint)
}

// GetMarketByTokenID looks a market up by one of its outcome token ids.
func (c *DataClient) GetMarketByTokenID(ctx context.Context, tokenID string) (*MarketInfo, error) {
	endpoint := fmt.Sprintf("%s/markets?clob_token_ids=%s", c.gammaURL, tokenID)
	return c.getMarket(ctx, endpoint)
}

func (c *DataClient) getMarket(ctx context.Context, endpoint string) (*MarketInfo, error) {
	var markets []gammaMarket
	if err := c.getJSON(ctx, endpoint, &markets); err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if len(markets) == 0 {
		return nil, nil
	}
	return convertGammaMarket(markets[0])
}

// convertGammaMarket decodes the metadata API's stringified arrays into an
// ordered token set. Outcome labels and token ids are index-aligned.
func convertGammaMarket(m gammaMarket) (*MarketInfo, error) {
	var outcomes, tokenIDs, prices []string
	if m.Outcomes != "" {
		if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
			return nil, fmt.Errorf("decode outcomes for %s: %w", m.ConditionID, err)
		}
	}
	if m.ClobTokenIDs != "" {
		if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil {
			return nil, fmt.Errorf("decode token ids for %s: %w", m.ConditionID, err)
		}
	}
	if m.OutcomePrices != "" {
		// Prices are best-effort display data; a decode failure is not fatal.
		json.Unmarshal([]byte(m.OutcomePrices), &prices)
	}

	if len(outcomes) != len(tokenIDs) {
		return nil, fmt.Errorf("market %s: %d outcomes vs %d tokens", m.ConditionID, len(outcomes), len(tokenIDs))
	}

	info := &MarketInfo{
		ConditionID: m.ConditionID,
		Question:    m.Question,
		MarketSlug:  m.Slug,
		Active:      m.Active,
		Closed:      m.Closed,
		NegRisk:     m.NegRisk,
	}
	for i := range tokenIDs {
		token := TokenInfo{TokenID: tokenIDs[i], Outcome: outcomes[i]}
		if i < len(prices) {
			token.Price = prices[i]
		}
		info.Tokens = append(info.Tokens, token)
	}
	return info, nil
}

func (c *DataClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
