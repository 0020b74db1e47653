package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dennicka/propbot-sub002/internal/core"
	apperrors "github.com/Dennicka/propbot-sub002/pkg/errors"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"), &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testIntent(id string) *core.OrderIntent {
	return &core.OrderIntent{
		IntentID:  id,
		RequestID: id + "-rq1",
		Scope: core.OrderScope{
			Account: "main", Venue: "binance", Symbol: "BTCUSDT",
			Side: core.SideBuy, Strategy: "mm-1",
		},
		Params: core.OrderParams{
			Type: core.OrderTypeLimit, TIF: core.TIFGTC,
			Qty: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("50000"),
		},
		State:        core.StateNew,
		FilledQty:    decimal.Zero,
		AvgFillPrice: decimal.Zero,
	}
}

func TestEnsureOrderIntent_InsertThenDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored, hit, err := store.EnsureOrderIntent(ctx, testIntent("oi-1"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, core.StateNew, stored.State)
	assert.True(t, stored.RemainingQty.Equal(decimal.RequireFromString("0.5")))

	// Same intent again: stored row wins, dedup hit reported.
	dup := testIntent("oi-1")
	dup.Params.Qty = decimal.RequireFromString("99") // caller copy must be ignored
	stored2, hit, err := store.EnsureOrderIntent(ctx, dup)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, stored2.Params.Qty.Equal(decimal.RequireFromString("0.5")))
}

func TestEnsureOrderIntent_ScopeMismatchRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.EnsureOrderIntent(ctx, testIntent("oi-1"))
	require.NoError(t, err)

	// Same id, different instrument and side: must error, never return the
	// stored buy as if it were this order.
	reused := testIntent("oi-1")
	reused.Scope.Symbol = "ETHUSDT"
	reused.Scope.Side = core.SideSell
	_, _, err = store.EnsureOrderIntent(ctx, reused)
	var conflict *apperrors.IntentScopeConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "oi-1", conflict.IntentID)
	assert.Contains(t, conflict.Existing, "BTCUSDT")
	assert.Contains(t, conflict.Got, "ETHUSDT")

	// The stored intent is untouched.
	stored, err := store.LoadIntent(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", stored.Scope.Symbol)
	assert.Equal(t, core.SideBuy, stored.Scope.Side)
}

func TestEnsureOrderIntent_NewRequestSupersedes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.EnsureOrderIntent(ctx, testIntent("oi-1"))
	require.NoError(t, err)

	resub := testIntent("oi-1")
	resub.RequestID = "oi-1-rq2"
	stored, hit, err := store.EnsureOrderIntent(ctx, resub)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "oi-1-rq2", stored.RequestID)

	rows, err := store.Requests(ctx, "oi-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, core.RequestSuperseded, rows[0].State)
	assert.Equal(t, "oi-1-rq2", rows[0].SupersededBy)
	assert.Equal(t, core.RequestActive, rows[1].State)
}

func TestUpdateIntentState_EnforcesTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.EnsureOrderIntent(ctx, testIntent("oi-1"))
	require.NoError(t, err)

	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateSent)
	require.NoError(t, err)
	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateAcked, WithBrokerOrderID("bo-77"))
	require.NoError(t, err)
	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateFilled,
		WithFillTotals(decimal.RequireFromString("0.5"), decimal.RequireFromString("50010")))
	require.NoError(t, err)

	// Terminal is a sink.
	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateCanceled)
	var ste *apperrors.StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, "FILLED", ste.From)

	got, err := store.LoadIntent(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateFilled, got.State)
	assert.Equal(t, "bo-77", got.BrokerOrderID)
	assert.True(t, got.RemainingQty.IsZero())

	// Request row completed on terminal state.
	rows, err := store.Requests(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, core.RequestCompleted, rows[0].State)
}

func TestUpdateIntentState_SameStateIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.EnsureOrderIntent(ctx, testIntent("oi-1"))
	require.NoError(t, err)
	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateAcked)
	require.NoError(t, err)
	// Duplicate broker ack replay.
	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateAcked)
	require.NoError(t, err)
}

func TestLoadIntentByBrokerID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.EnsureOrderIntent(ctx, testIntent("oi-1"))
	require.NoError(t, err)
	_, err = store.UpdateIntentState(ctx, "oi-1", core.StateAcked, WithBrokerOrderID("bo-42"))
	require.NoError(t, err)

	got, err := store.LoadIntentByBrokerID(ctx, "main", "binance", "bo-42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "oi-1", got.IntentID)

	missing, err := store.LoadIntentByBrokerID(ctx, "main", "binance", "bo-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInflightIntents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"oi-1", "oi-2", "oi-3"} {
		_, _, err := store.EnsureOrderIntent(ctx, testIntent(id))
		require.NoError(t, err)
	}
	_, err := store.UpdateIntentState(ctx, "oi-2", core.StateRejected)
	require.NoError(t, err)

	inflight, err := store.InflightIntents(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 2)

	n, err := store.OpenIntentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCancelIntent_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ci := &core.CancelIntent{
		IntentID: "cx-1", Account: "main", Venue: "binance",
		BrokerOrderID: "bo-42", Reason: "manual", State: core.CancelPending,
	}
	_, hit, err := store.EnsureCancelIntent(ctx, ci)
	require.NoError(t, err)
	assert.False(t, hit)

	_, hit, err = store.EnsureCancelIntent(ctx, ci)
	require.NoError(t, err)
	assert.True(t, hit)

	require.NoError(t, store.UpdateCancelState(ctx, "cx-1", core.CancelSent))
	require.NoError(t, store.UpdateCancelState(ctx, "cx-1", core.CancelAcked))

	err = store.UpdateCancelState(ctx, "cx-1", core.CancelPending)
	var ste *apperrors.StateTransitionError
	require.ErrorAs(t, err, &ste)

	active, err := store.ActiveCancelFor(ctx, "main", "binance", "bo-42")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "cx-1", active.IntentID)
}

func TestApplyFill_VWAPAndRealizedPnL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	// Open 1 @ 100.
	pnl, err := store.ApplyFill(ctx, "binance", "BTCUSDT", &core.Fill{
		OrderID: "bo-1", Ts: ts,
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
		Fee: decimal.Zero,
	})
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())

	// Add 1 @ 110: VWAP moves to 105.
	_, err = store.ApplyFill(ctx, "binance", "BTCUSDT", &core.Fill{
		OrderID: "bo-2", Ts: ts,
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(110),
		Fee: decimal.Zero,
	})
	require.NoError(t, err)

	pos, err := store.Position(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.VWAP.Equal(decimal.NewFromInt(105)), "got vwap %s", pos.VWAP)

	// Sell 1 @ 120: realize 15, VWAP unchanged.
	pnl, err = store.ApplyFill(ctx, "binance", "BTCUSDT", &core.Fill{
		OrderID: "bo-3", Ts: ts,
		Qty: decimal.NewFromInt(-1), Price: decimal.NewFromInt(120),
		Fee: decimal.Zero,
	})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(15)), "got pnl %s", pnl)

	pos, err = store.Position(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(1)))
	assert.True(t, pos.VWAP.Equal(decimal.NewFromInt(105)))

	// Sell 2 @ 100: cross through flat. Realize -5 on the long, reopen short @ 100.
	pnl, err = store.ApplyFill(ctx, "binance", "BTCUSDT", &core.Fill{
		OrderID: "bo-4", Ts: ts,
		Qty: decimal.NewFromInt(-2), Price: decimal.NewFromInt(100),
		Fee: decimal.Zero,
	})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-5)), "got pnl %s", pnl)

	pos, err = store.Position(ctx, "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(-1)))
	assert.True(t, pos.VWAP.Equal(decimal.NewFromInt(100)))
}

func TestApplyFill_FeeReducesRealized(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	_, err := store.ApplyFill(ctx, "okx", "ETHUSDT", &core.Fill{
		OrderID: "bo-1", Ts: ts, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(2000), Fee: decimal.Zero,
	})
	require.NoError(t, err)

	pnl, err := store.ApplyFill(ctx, "okx", "ETHUSDT", &core.Fill{
		OrderID: "bo-2", Ts: ts, Qty: decimal.NewFromInt(-1), Price: decimal.NewFromInt(2010),
		Fee: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(8)), "got pnl %s", pnl)
}

func TestBalances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetBalance(ctx, "binance", "USDT", decimal.NewFromInt(10000)))
	require.NoError(t, store.SetBalance(ctx, "binance", "USDT", decimal.NewFromInt(9000)))

	bals, err := store.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, bals, 1)
	assert.True(t, bals[0].Total.Equal(decimal.NewFromInt(9000)))
}
