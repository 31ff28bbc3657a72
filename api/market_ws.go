package api

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTradeEvent is one trade print from the market activity stream.
type WSTradeEvent struct {
	AssetID   string  `json:"asset_id"`
	Market    string  `json:"market"`
	Price     float64 `json:"price,string"`
	Size      float64 `json:"size,string"`
	Side      string  `json:"side"`
	Timestamp string  `json:"timestamp"`
}

// WSTradeHandler is invoked for each trade print received.
type WSTradeHandler func(event WSTradeEvent)

// MarketWSClient maintains a websocket subscription to the exchange's market
// activity channel for the tokens the engine currently cares about. It keeps
// a last-trade-price snapshot per token so slippage checks have a fresh
// reference without an extra REST round trip.
type MarketWSClient struct {
	url     string
	onTrade WSTradeHandler

	conn   *websocket.Conn
	connMu sync.Mutex

	watched   map[string]bool
	watchedMu sync.RWMutex

	lastPrice   map[string]float64
	lastPriceMu sync.RWMutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMarketWSClient creates a market stream client. url defaults to the
// public market channel when empty.
func NewMarketWSClient(url string, onTrade WSTradeHandler) *MarketWSClient {
	if url == "" {
		url = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	return &MarketWSClient{
		url:       url,
		onTrade:   onTrade,
		watched:   make(map[string]bool),
		lastPrice: make(map[string]float64),
		stopCh:    make(chan struct{}),
	}
}

// WatchToken adds a token to the subscription set. Takes effect on the next
// (re)connect.
func (c *MarketWSClient) WatchToken(tokenID string) {
	c.watchedMu.Lock()
	c.watched[tokenID] = true
	c.watchedMu.Unlock()
}

// LastPrice returns the most recent trade price seen for a token.
func (c *MarketWSClient) LastPrice(tokenID string) (float64, bool) {
	c.lastPriceMu.RLock()
	defer c.lastPriceMu.RUnlock()
	price, ok := c.lastPrice[tokenID]
	return price, ok
}

// Start connects and begins reading events, reconnecting on failure.
func (c *MarketWSClient) Start(ctx context.Context) error {
	if c.running {
		return nil
	}
	c.running = true

	c.wg.Add(1)
	go c.readLoop(ctx)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (c *MarketWSClient) Stop() {
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
}

func (c *MarketWSClient) readLoop(ctx context.Context) {
	defer c.wg.Done()

	backoffDelay := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			log.Printf("[MarketWS] connect failed: %v (retrying in %s)", err, backoffDelay)
			select {
			case <-time.After(backoffDelay):
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
			if backoffDelay < 30*time.Second {
				backoffDelay *= 2
			}
			continue
		}
		backoffDelay = time.Second

		c.consume()
	}
}

func (c *MarketWSClient) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.watchedMu.RLock()
	assets := make([]string, 0, len(c.watched))
	for id := range c.watched {
		assets = append(assets, id)
	}
	c.watchedMu.RUnlock()

	sub := map[string]interface{}{
		"type":       "market",
		"assets_ids": assets,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Printf("[MarketWS] connected, watching %d tokens", len(assets))
	return nil
}

func (c *MarketWSClient) consume() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Printf("[MarketWS] read error: %v (reconnecting)", err)
			}
			return
		}

		var events []struct {
			EventType string `json:"event_type"`
			WSTradeEvent
		}
		if err := json.Unmarshal(raw, &events); err != nil {
			continue
		}

		for _, ev := range events {
			if ev.EventType != "last_trade_price" && ev.EventType != "trade" {
				continue
			}

			c.lastPriceMu.Lock()
			c.lastPrice[ev.AssetID] = ev.Price
			c.lastPriceMu.Unlock()

			if c.onTrade != nil {
				c.onTrade(ev.WSTradeEvent)
			}
		}
	}
}
