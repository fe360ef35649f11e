package exchange

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConnector(t *testing.T) (*Connector, *bus.Bus) {
	t.Helper()
	b := bus.New(16)
	c := NewConnector("kraken", "wss://example.invalid/v2", []string{"BTC/USD"}, 10, b, testLogger())
	return c, b
}

// drainMarket pops one event off the bus and asserts it is a MarketEvent.
func drainMarket(t *testing.T, b *bus.Bus) types.MarketEvent {
	t.Helper()
	select {
	case e := <-b.Events():
		evt, ok := e.(types.MarketEvent)
		if !ok {
			t.Fatalf("event type = %T, want MarketEvent", e)
		}
		return evt
	default:
		t.Fatal("no event on bus")
	}
	return types.MarketEvent{}
}

func TestHandleFrameBookUpdate(t *testing.T) {
	t.Parallel()
	c, b := newTestConnector(t)

	frame := `{
		"channel": "book",
		"type": "update",
		"data": [{
			"symbol": "BTC/USD",
			"timestamp": "2024-05-01T12:00:00.123456Z",
			"bids": [[64999.5, 0.42], [64999.0, 1.10]],
			"asks": [[65000.5, 0.33], [65001.0, 2.00]]
		}]
	}`

	if err := c.handleFrame(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("handleFrame() error = %v", err)
	}

	evt := drainMarket(t, b)
	if evt.Symbol != "BTC/USD" {
		t.Errorf("Symbol = %q, want BTC/USD", evt.Symbol)
	}
	if evt.BestBid != 64999.5 {
		t.Errorf("BestBid = %v, want 64999.5", evt.BestBid)
	}
	if evt.BestAsk != 65000.5 {
		t.Errorf("BestAsk = %v, want 65000.5", evt.BestAsk)
	}
	if got, want := evt.Mid(), 65000.0; got != want {
		t.Errorf("Mid() = %v, want %v", got, want)
	}
	if len(evt.Bids) != 2 || len(evt.Asks) != 2 {
		t.Errorf("levels = %d bids / %d asks, want 2 / 2", len(evt.Bids), len(evt.Asks))
	}
	if evt.Bids[1].Qty != 1.10 {
		t.Errorf("Bids[1].Qty = %v, want 1.10", evt.Bids[1].Qty)
	}

	want := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	if !evt.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", evt.Timestamp, want)
	}
}

func TestHandleFrameIgnoresSnapshot(t *testing.T) {
	t.Parallel()
	c, b := newTestConnector(t)

	frame := `{
		"channel": "book",
		"type": "snapshot",
		"data": [{
			"symbol": "BTC/USD",
			"timestamp": "2024-05-01T12:00:00Z",
			"bids": [[64999.5, 0.42]],
			"asks": [[65000.5, 0.33]]
		}]
	}`

	if err := c.handleFrame(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("handleFrame() error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("bus depth = %d, want 0 (snapshots are ignored)", b.Len())
	}
}

func TestHandleFrameIgnoresOtherChannels(t *testing.T) {
	t.Parallel()
	c, b := newTestConnector(t)

	frames := []string{
		`{"channel":"heartbeat"}`,
		`{"channel":"status","data":[{"system":"online"}]}`,
		`{"method":"subscribe","result":{"channel":"book"},"success":true}`,
	}
	for _, f := range frames {
		if err := c.handleFrame(context.Background(), []byte(f)); err != nil {
			t.Fatalf("handleFrame(%s) error = %v", f, err)
		}
	}
	if b.Len() != 0 {
		t.Errorf("bus depth = %d, want 0", b.Len())
	}
}

func TestHandleFrameDropsCrossedBook(t *testing.T) {
	t.Parallel()
	c, b := newTestConnector(t)

	// Best bid above best ask must never reach the bus.
	frame := `{
		"channel": "book",
		"type": "update",
		"data": [{
			"symbol": "BTC/USD",
			"timestamp": "2024-05-01T12:00:00Z",
			"bids": [[65001.0, 0.42]],
			"asks": [[65000.5, 0.33]]
		}]
	}`

	if err := c.handleFrame(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("handleFrame() error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("bus depth = %d, want 0 (crossed book must be dropped)", b.Len())
	}
}

func TestHandleFrameSkipsOneSidedUpdate(t *testing.T) {
	t.Parallel()
	c, b := newTestConnector(t)

	// Delta frames routinely carry only the changed side.
	frame := `{
		"channel": "book",
		"type": "update",
		"data": [{
			"symbol": "BTC/USD",
			"timestamp": "2024-05-01T12:00:00Z",
			"bids": [[64999.5, 0.42]],
			"asks": []
		}]
	}`

	if err := c.handleFrame(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("handleFrame() error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("bus depth = %d, want 0", b.Len())
	}
}

func TestHandleFrameMalformedKeepsStream(t *testing.T) {
	t.Parallel()
	c, b := newTestConnector(t)

	malformed := []string{
		`not json at all`,
		`{"channel":"book","type":"update","data":[]}`,
		`{"channel":"book","type":"update","data":[{"symbol":"BTC/USD","timestamp":"bogus","bids":[[1.0,1.0]],"asks":[[2.0,1.0]]}]}`,
		`{"channel":"book","type":"update","data":[{"symbol":"BTC/USD","timestamp":"2024-05-01T12:00:00Z","bids":[[1.0]],"asks":[[2.0,1.0]]}]}`,
	}
	for _, f := range malformed {
		if err := c.handleFrame(context.Background(), []byte(f)); err != nil {
			t.Fatalf("handleFrame(%s) error = %v, want nil (skip and continue)", f, err)
		}
	}
	if b.Len() != 0 {
		t.Errorf("bus depth = %d, want 0", b.Len())
	}

	// A well-formed frame after garbage still goes through.
	good := `{
		"channel": "book",
		"type": "update",
		"data": [{
			"symbol": "BTC/USD",
			"timestamp": "2024-05-01T12:00:01Z",
			"bids": [[64999.5, 0.42]],
			"asks": [[65000.5, 0.33]]
		}]
	}`
	if err := c.handleFrame(context.Background(), []byte(good)); err != nil {
		t.Fatalf("handleFrame() error = %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("bus depth = %d, want 1", b.Len())
	}
}

func TestValidateBookSortedLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		evt     types.MarketEvent
		wantErr bool
	}{
		{
			name: "sorted",
			evt: types.MarketEvent{
				BestBid: 100, BestAsk: 101,
				Bids: []types.BookLevel{{Price: 100, Qty: 1}, {Price: 99, Qty: 1}},
				Asks: []types.BookLevel{{Price: 101, Qty: 1}, {Price: 102, Qty: 1}},
			},
		},
		{
			name: "bids ascending",
			evt: types.MarketEvent{
				BestBid: 99, BestAsk: 101,
				Bids: []types.BookLevel{{Price: 99, Qty: 1}, {Price: 100, Qty: 1}},
				Asks: []types.BookLevel{{Price: 101, Qty: 1}},
			},
			wantErr: true,
		},
		{
			name: "asks descending",
			evt: types.MarketEvent{
				BestBid: 100, BestAsk: 102,
				Bids: []types.BookLevel{{Price: 100, Qty: 1}},
				Asks: []types.BookLevel{{Price: 102, Qty: 1}, {Price: 101, Qty: 1}},
			},
			wantErr: true,
		},
		{
			name: "zero bid",
			evt: types.MarketEvent{
				BestBid: 0, BestAsk: 101,
				Bids: []types.BookLevel{{Price: 0, Qty: 1}},
				Asks: []types.BookLevel{{Price: 101, Qty: 1}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateBook(tt.evt)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBook() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectorStateLifecycle(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnector(t)

	if got := c.State(); got != StateDisconnected {
		t.Errorf("initial State() = %v, want %v", got, StateDisconnected)
	}
	c.setState(StateConnecting)
	if got := c.State(); got != StateConnecting {
		t.Errorf("State() = %v, want %v", got, StateConnecting)
	}
}
