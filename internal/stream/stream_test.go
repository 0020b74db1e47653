package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dennicka/propbot-sub002/internal/book"
	"github.com/Dennicka/propbot-sub002/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type fakeFetcher struct {
	mu      sync.Mutex
	payload []byte
	err     error
	calls   int
}

func (f *fakeFetcher) fetch(ctx context.Context, venue, symbol string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.payload, f.err
}

func newTestStream(t *testing.T, rules VenueRules, fetcher SnapshotFetcher, symbols ...string) (*Stream, *book.Store, *Connector) {
	t.Helper()
	books := book.NewStore(&mockLogger{})
	conn := NewConnector("binance", "ws://unused", ConnectorConfig{}, func(ctx context.Context, url string) (Conn, error) {
		return nil, fmt.Errorf("no dial in tests")
	}, &mockLogger{})
	s := NewStream(rules.Name(), symbols, rules, books, conn, fetcher, &mockLogger{})
	return s, books, conn
}

func binanceDiff(symbol string, from, to uint64, bidPx, bidQty string) []byte {
	return []byte(fmt.Sprintf(
		`{"e":"depthUpdate","E":%d,"s":"%s","U":%d,"u":%d,"b":[["%s","%s"]],"a":[]}`,
		time.Now().UnixMilli(), symbol, from, to, bidPx, bidQty))
}

func TestBinance_OverlapTrimApplied(t *testing.T) {
	rules := NewBinanceRules("binance")
	fetcher := &fakeFetcher{payload: []byte(`{"lastUpdateId":100,"bids":[["50000","1"]],"asks":[["50010","1"]]}`)}
	s, books, _ := newTestStream(t, rules, fetcher.fetch, "BTCUSDT")

	s.Resync(context.Background(), "BTCUSDT", "initial")
	require.Equal(t, uint64(100), books.LastSeq("binance", "BTCUSDT"))

	// Overlapping diff [95,105]: applied as if starting at 101.
	s.HandleMessage(binanceDiff("BTCUSDT", 95, 105, "50005", "2"))
	assert.Equal(t, uint64(105), books.LastSeq("binance", "BTCUSDT"))

	top := books.GetTopOfBook("binance", "BTCUSDT")
	require.NotNil(t, top)
	assert.True(t, top.BidPrice.Equal(decimal.RequireFromString("50005")))

	// Strictly-older diff ignored silently.
	s.HandleMessage(binanceDiff("BTCUSDT", 90, 100, "49000", "9"))
	assert.Equal(t, uint64(105), books.LastSeq("binance", "BTCUSDT"))
	assert.Equal(t, 1, fetcher.calls, "no resync for old diffs")
}

func TestBinance_GapTriggersResync(t *testing.T) {
	rules := NewBinanceRules("binance")
	fetcher := &fakeFetcher{payload: []byte(`{"lastUpdateId":100,"bids":[["50000","1"]],"asks":[["50010","1"]]}`)}
	s, books, _ := newTestStream(t, rules, fetcher.fetch, "BTCUSDT")

	s.Resync(context.Background(), "BTCUSDT", "initial")
	require.Equal(t, 1, fetcher.calls)

	// Gap: book at 100, diff starts at 110.
	fetcher.payload = []byte(`{"lastUpdateId":120,"bids":[["50100","1"]],"asks":[["50110","1"]]}`)
	s.HandleMessage(binanceDiff("BTCUSDT", 110, 111, "50050", "1"))

	assert.Equal(t, 2, fetcher.calls, "gap must refetch snapshot")
	assert.Equal(t, uint64(120), books.LastSeq("binance", "BTCUSDT"))

	sts := books.StatusSnapshot()
	require.Len(t, sts, 1)
	assert.Equal(t, int64(1), sts[0].Gaps)
	assert.Equal(t, int64(2), sts[0].Resyncs)
}

func TestOKX_StrictGapResync(t *testing.T) {
	rules := NewOKXRules("okx")
	fetcher := &fakeFetcher{payload: []byte(`{"data":[{"bids":[["2000","5"]],"asks":[["2001","5"]],"ts":"1700000000000","seqId":50,"prevSeqId":-1}]}`)}
	s, books, _ := newTestStream(t, rules, fetcher.fetch, "ETH-USDT")

	s.Resync(context.Background(), "ETH-USDT", "initial")
	require.Equal(t, uint64(50), books.LastSeq("okx", "ETH-USDT"))

	// Contiguous update applies.
	s.HandleMessage([]byte(`{"arg":{"channel":"books","instId":"ETH-USDT"},"action":"update",` +
		`"data":[{"bids":[["2002","1"]],"asks":[],"ts":"1700000000100","seqId":51,"prevSeqId":50}]}`))
	assert.Equal(t, uint64(51), books.LastSeq("okx", "ETH-USDT"))

	// Skipped sequence: strict rules force a resync even though binance would trim.
	fetcher.payload = []byte(`{"data":[{"bids":[["2005","2"]],"asks":[["2006","2"]],"ts":"1700000000200","seqId":60,"prevSeqId":-1}]}`)
	s.HandleMessage([]byte(`{"arg":{"channel":"books","instId":"ETH-USDT"},"action":"update",` +
		`"data":[{"bids":[["2003","1"]],"asks":[],"ts":"1700000000150","seqId":55,"prevSeqId":53}]}`))

	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, uint64(60), books.LastSeq("okx", "ETH-USDT"))
}

func TestOKX_InlineSnapshotMessage(t *testing.T) {
	rules := NewOKXRules("okx")
	fetcher := &fakeFetcher{}
	s, books, _ := newTestStream(t, rules, fetcher.fetch, "ETH-USDT")

	s.HandleMessage([]byte(`{"arg":{"channel":"books","instId":"ETH-USDT"},"action":"snapshot",` +
		`"data":[{"bids":[["2000","5"]],"asks":[["2001","5"]],"ts":"1700000000000","seqId":10,"prevSeqId":-1}]}`))

	assert.Equal(t, uint64(10), books.LastSeq("okx", "ETH-USDT"))
	assert.NotNil(t, books.GetTopOfBook("okx", "ETH-USDT"))
}

func TestStream_DiffsBeforeSnapshotAreQueued(t *testing.T) {
	rules := NewBinanceRules("binance")
	fetcher := &fakeFetcher{payload: []byte(`{"lastUpdateId":100,"bids":[["50000","1"]],"asks":[["50010","1"]]}`)}
	s, books, _ := newTestStream(t, rules, fetcher.fetch, "BTCUSDT")

	// Diff arrives before any snapshot: queued, not applied, no resync storm.
	s.HandleMessage(binanceDiff("BTCUSDT", 99, 101, "50001", "1"))
	assert.Equal(t, uint64(0), books.LastSeq("binance", "BTCUSDT"))
	assert.Equal(t, 0, fetcher.calls)

	s.Resync(context.Background(), "BTCUSDT", "initial")

	// Queued diff drained after snapshot, with overlap trim.
	assert.Equal(t, uint64(101), books.LastSeq("binance", "BTCUSDT"))
}

func TestStream_FetchFailureBouncesConnector(t *testing.T) {
	rules := NewBinanceRules("binance")
	fetcher := &fakeFetcher{err: fmt.Errorf("rest down")}
	s, books, conn := newTestStream(t, rules, fetcher.fetch, "BTCUSDT")

	var states []string
	conn.SetOnStateChange(func(st ConnState, reason string) {
		states = append(states, string(st)+":"+reason)
	})

	s.Resync(context.Background(), "BTCUSDT", "initial")

	assert.Equal(t, uint64(0), books.LastSeq("binance", "BTCUSDT"))
	assert.Contains(t, states, "RESYNCING:initial")
}

func TestConnector_BackoffWindow(t *testing.T) {
	c := NewConnector("binance", "ws://unused", ConnectorConfig{
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
	}, nil, &mockLogger{})
	c.randFloat = func() float64 { return 0 }

	assert.Equal(t, 1*time.Second, c.BackoffDelay(1))
	assert.Equal(t, 2*time.Second, c.BackoffDelay(2))
	assert.Equal(t, 8*time.Second, c.BackoffDelay(4))
	// capped at max
	assert.Equal(t, 10*time.Second, c.BackoffDelay(10))

	// upper edge of the jitter window is 1.5x
	c.randFloat = func() float64 { return 1 }
	assert.Equal(t, 3*time.Second, c.BackoffDelay(2))
}

func TestConnector_HeartbeatTimeoutDropsConn(t *testing.T) {
	c := NewConnector("binance", "ws://unused", ConnectorConfig{
		HeartbeatTimeout: 10 * time.Millisecond,
	}, nil, &mockLogger{})

	closed := make(chan struct{})
	c.conn = &fakeConn{onClose: func() { close(closed) }}
	c.lastSeen = time.Now().Add(-time.Minute)

	var reasons []string
	var mu sync.Mutex
	c.SetOnStateChange(func(st ConnState, reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	c.state = ConnConnected

	c.wg.Add(1)
	go c.heartbeatLoop()
	defer c.Stop()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat did not drop the silent connection")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, reasons, "heartbeat_timeout")
}

type fakeConn struct {
	onClose func()
	once    sync.Once
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {} // block forever; tests close instead
}
func (f *fakeConn) WriteJSON(v interface{}) error { return nil }
func (f *fakeConn) Close() error {
	f.once.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
