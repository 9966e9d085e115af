// Package wsfeed implements the two websocket collaborators spec.md §6
// names: the public market stream (book snapshot/delta per token) and the
// private user stream (order acks, fills, cancel acks, rejects). Both
// auto-reconnect with exponential backoff and re-subscribe to every
// tracked id on reconnect; the engine's single-writer loop consumes their
// parsed event channels rather than calling into this package's internals.
//
// Adapted from the teacher's internal/exchange/ws.go almost unchanged — the
// connect/backoff/ping/dispatch shape is venue transport, not business
// logic. What changed: the user feed authenticates via signer.Signer
// instead of the deleted exchange.Auth, and a feed additionally stamps the
// arrival time of each trade/order event, readable through LastEvent. The
// engine drives internal/watchdog (spec.md §4.9) itself, calling its
// Heartbeat for each event it reads from the user feed's channels.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"arb-core/internal/signer"
	"arb-core/pkg/venue"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	bookBufferSize   = 256
	userBufferSize   = 64
)

// Channel identifies which venue stream a Feed talks to.
type Channel string

const (
	Market Channel = "market"
	User   Channel = "user"
)

// Feed manages one websocket connection (market or user channel):
// connection lifecycle, subscription tracking, message routing, and
// automatic reconnection with exponential backoff.
type Feed struct {
	url     string
	channel Channel
	signer  signer.Signer // nil for the market channel

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh        chan venue.WSBookEvent
	priceChangeCh chan venue.WSPriceChangeEvent
	tradeCh       chan venue.WSTradeEvent
	orderCh       chan venue.WSOrderEvent

	lastEventNanos int64 // atomic; only written by the user channel

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public market channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *Feed {
	return newFeed(wsURL, Market, nil, logger.With("component", "wsfeed_market"))
}

// NewUserFeed creates a feed for the authenticated private user channel.
func NewUserFeed(wsURL string, sgn signer.Signer, logger *slog.Logger) *Feed {
	return newFeed(wsURL, User, sgn, logger.With("component", "wsfeed_user"))
}

func newFeed(wsURL string, channel Channel, sgn signer.Signer, logger *slog.Logger) *Feed {
	return &Feed{
		url:           wsURL,
		channel:       channel,
		signer:        sgn,
		subscribed:    make(map[string]bool),
		bookCh:        make(chan venue.WSBookEvent, bookBufferSize),
		priceChangeCh: make(chan venue.WSPriceChangeEvent, bookBufferSize),
		tradeCh:       make(chan venue.WSTradeEvent, userBufferSize),
		orderCh:       make(chan venue.WSOrderEvent, userBufferSize),
		logger:        logger,
	}
}

// BookEvents returns full order book snapshots (market channel).
func (f *Feed) BookEvents() <-chan venue.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns incremental book updates (market channel).
func (f *Feed) PriceChangeEvents() <-chan venue.WSPriceChangeEvent { return f.priceChangeCh }

// TradeEvents returns fill notifications (user channel).
func (f *Feed) TradeEvents() <-chan venue.WSTradeEvent { return f.tradeCh }

// OrderEvents returns order lifecycle notifications (user channel).
func (f *Feed) OrderEvents() <-chan venue.WSOrderEvent { return f.orderCh }

// LastEvent returns the timestamp of the most recently dispatched private
// (trade or order) event. Zero until the first such event arrives. It is
// stamped by dispatchMessage whatever the feed's channel; nothing in the
// engine or watchdog reads it.
func (f *Feed) LastEvent() time.Time {
	nanos := atomic.LoadInt64(&f.lastEventNanos)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds asset ids (market channel) or market/condition ids (user
// channel) to the live subscription and re-subscribes on every reconnect.
func (f *Feed) Subscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	msg := venue.WSUpdateMsg{Operation: "subscribe"}
	if f.channel == Market {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Unsubscribe removes ids from the live subscription.
func (f *Feed) Unsubscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	msg := venue.WSUpdateMsg{Operation: "unsubscribe"}
	if f.channel == Market {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Close closes the underlying connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channel)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if f.channel == Market {
		return f.writeJSON(venue.WSSubscribeMsg{Type: "market", AssetIDs: ids})
	}

	creds := f.signer.WSAuthPayload()
	return f.writeJSON(venue.WSSubscribeMsg{
		Type: "user",
		Auth: &venue.WSAuth{
			ApiKey:     creds.ApiKey,
			Secret:     creds.Secret,
			Passphrase: creds.Passphrase,
		},
		Markets: ids,
	})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt venue.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}

	case "price_change":
		var evt venue.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		select {
		case f.priceChangeCh <- evt:
		default:
			f.logger.Warn("price_change channel full, dropping event")
		}

	case "trade":
		var evt venue.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		f.markPrivateEvent()
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "id", evt.ID)
		}

	case "order":
		var evt venue.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		f.markPrivateEvent()
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "id", evt.ID)
		}

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// markPrivateEvent records the arrival time of a private-channel event.
// Only meaningful on the user feed; the market feed calls this too but
// nothing reads LastEvent() on it.
func (f *Feed) markPrivateEvent() {
	atomic.StoreInt64(&f.lastEventNanos, time.Now().UnixNano())
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
