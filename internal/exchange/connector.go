// connector.go implements the market-data WebSocket feed.
//
// One Connector maintains a single connection to the data venue, subscribes
// to the depth channel for its configured symbols, and translates every
// "update" frame of the book channel into a types.MarketEvent on the bus.
// Snapshot frames are ignored: the strategy warms its candle history through
// the REST backfill instead, so the live path only needs deltas.
//
// The connection reconnects forever with a fixed 5s wait. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
// Malformed frames are logged and skipped without dropping the connection.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cryptobot/internal/bus"
	"cryptobot/internal/telemetry"
	"cryptobot/pkg/types"
)

const (
	pingInterval  = 50 * time.Second // how often we send ping to keep alive
	readTimeout   = 90 * time.Second // ~2 missed pings triggers reconnect
	reconnectWait = 5 * time.Second  // fixed pause before re-dialling
	writeTimeout  = 10 * time.Second // deadline for outgoing messages
	defaultDepth  = 10               // book levels per side when unconfigured

	maxLoggedPayload = 256 // bytes of a malformed frame included in logs
)

// ConnState tracks where the connector is in its connection lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateSubscribed   ConnState = "SUBSCRIBED"
	StateStreaming    ConnState = "STREAMING"
)

// Connector manages the WebSocket connection to one market-data venue.
// It handles connection lifecycle, subscription, frame validation, and
// automatic reconnection.
type Connector struct {
	venue   string // catalog ID, used as the metrics label
	url     string
	symbols []string
	depth   int
	bus     *bus.Bus

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	stateMu sync.RWMutex
	state   ConnState

	logger *slog.Logger
}

// NewConnector creates a connector for one venue's depth channel. A depth
// of zero or less falls back to 10 levels per side.
func NewConnector(venue, wsURL string, symbols []string, depth int, b *bus.Bus, logger *slog.Logger) *Connector {
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Connector{
		venue:   venue,
		url:     wsURL,
		symbols: symbols,
		depth:   depth,
		bus:     b,
		state:   StateDisconnected,
		logger:  logger.With("component", "connector", "venue", venue),
	}
}

// State reports the current connection state.
func (c *Connector) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connector) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Run connects and maintains the WebSocket connection, reconnecting forever
// with a fixed wait. Blocks until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	for {
		err := c.connectAndStream(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"wait", reconnectWait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectWait):
		}
	}
}

// Close gracefully closes the connection.
func (c *Connector) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Connector) connectAndStream(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.setState(StateSubscribed)

	c.logger.Info("websocket connected", "symbols", c.symbols, "depth", c.depth)

	// Ping goroutine keeps the connection alive between book updates.
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.setState(StateStreaming)

		if err := c.handleFrame(ctx, msg); err != nil {
			return err
		}
	}
}

// subscribeMsg is the depth-channel subscription request.
type subscribeMsg struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
	Depth   int      `json:"depth"`
}

func (c *Connector) subscribe() error {
	return c.writeJSON(subscribeMsg{
		Method: "subscribe",
		Params: subscribeParams{
			Channel: "book",
			Symbol:  c.symbols,
			Depth:   c.depth,
		},
	})
}

// bookFrame is one message of the depth channel. Levels arrive as
// [price, qty] pairs, best level first on each side.
type bookFrame struct {
	Channel string     `json:"channel"`
	Type    string     `json:"type"` // "snapshot" or "update"
	Data    []bookData `json:"data"`
}

type bookData struct {
	Symbol    string      `json:"symbol"`
	Timestamp string      `json:"timestamp"`
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
}

// handleFrame validates one frame and publishes the resulting MarketEvent.
// Frame-level problems are logged and swallowed so the stream keeps running;
// the only errors returned are from a cancelled publish.
func (c *Connector) handleFrame(ctx context.Context, data []byte) error {
	// Peek at the channel to route. Heartbeats, status frames, and method
	// acknowledgements are not book traffic.
	var envelope struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("malformed ws frame", "error", err, "data", truncate(data))
		return nil
	}
	if envelope.Channel != "book" {
		c.logger.Debug("ignoring frame", "channel", envelope.Channel)
		return nil
	}

	var frame bookFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed book frame", "error", err, "data", truncate(data))
		return nil
	}

	// The live path only consumes deltas. The initial snapshot duplicates
	// state the strategy already rebuilt from the backfill.
	if frame.Type == "snapshot" {
		c.logger.Debug("book snapshot ignored, awaiting updates")
		return nil
	}
	if frame.Type != "update" || len(frame.Data) == 0 {
		c.logger.Warn("unexpected book frame", "type", frame.Type, "data", truncate(data))
		return nil
	}

	book := frame.Data[0]

	ts, err := time.Parse(time.RFC3339Nano, book.Timestamp)
	if err != nil {
		c.logger.Warn("book update with bad timestamp", "timestamp", book.Timestamp, "error", err)
		return nil
	}

	// One-sided updates are routine (only the changed side is sent); an
	// event needs a price on both sides to have a mid.
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil
	}

	bids, err := toLevels(book.Bids)
	if err != nil {
		c.logger.Warn("book update with bad bid levels", "symbol", book.Symbol, "error", err)
		return nil
	}
	asks, err := toLevels(book.Asks)
	if err != nil {
		c.logger.Warn("book update with bad ask levels", "symbol", book.Symbol, "error", err)
		return nil
	}

	evt := types.MarketEvent{
		Timestamp: ts.UTC(),
		Symbol:    book.Symbol,
		BestBid:   bids[0].Price,
		BestAsk:   asks[0].Price,
		Bids:      bids,
		Asks:      asks,
	}

	// Downstream handlers assume an uncrossed, positive, sorted book.
	// Reject violations here so they never reach the strategy.
	if err := validateBook(evt); err != nil {
		c.logger.Warn("dropping invalid book update", "symbol", book.Symbol, "error", err)
		return nil
	}

	telemetry.IncMessagesProcessed(c.venue)
	return c.bus.Publish(ctx, evt)
}

// toLevels converts wire-format [price, qty] rows into typed levels.
func toLevels(rows [][]float64) ([]types.BookLevel, error) {
	out := make([]types.BookLevel, 0, len(rows))
	for i, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("level %d has %d fields, want 2", i, len(r))
		}
		out = append(out, types.BookLevel{Price: r[0], Qty: r[1]})
	}
	return out, nil
}

// validateBook enforces the MarketEvent invariants: positive prices, an
// uncrossed top of book, bids descending and asks ascending.
func validateBook(e types.MarketEvent) error {
	if e.BestBid <= 0 || e.BestAsk <= 0 {
		return fmt.Errorf("non-positive top of book: bid %v ask %v", e.BestBid, e.BestAsk)
	}
	if e.BestBid > e.BestAsk {
		return fmt.Errorf("crossed book: bid %v > ask %v", e.BestBid, e.BestAsk)
	}
	for i := 1; i < len(e.Bids); i++ {
		if e.Bids[i].Price > e.Bids[i-1].Price {
			return fmt.Errorf("bids not sorted descending at level %d", i)
		}
	}
	for i := 1; i < len(e.Asks); i++ {
		if e.Asks[i].Price < e.Asks[i-1].Price {
			return fmt.Errorf("asks not sorted ascending at level %d", i)
		}
	}
	return nil
}

func truncate(data []byte) string {
	if len(data) > maxLoggedPayload {
		return string(data[:maxLoggedPayload]) + "..."
	}
	return string(data)
}

// pingMsg keeps the venue from closing an idle connection.
type pingMsg struct {
	Method string `json:"method"`
}

func (c *Connector) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(pingMsg{Method: "ping"}); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Connector) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}
