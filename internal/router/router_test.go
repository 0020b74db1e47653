package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dennicka/propbot-sub002/internal/alert"
	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/gate"
	"github.com/Dennicka/propbot-sub002/internal/ledger"
	apperrors "github.com/Dennicka/propbot-sub002/pkg/errors"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeBroker is an in-memory venue that deduplicates by IdempKey like a real
// exchange deduplicates by client order id.
type fakeBroker struct {
	mu        sync.Mutex
	creates   int
	cancels   int
	orders    map[string]*core.BrokerOrder // by IdempKey
	createErr error
	cancelErr error
	nextID    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{orders: map[string]*core.BrokerOrder{}}
}

func (b *fakeBroker) CreateOrder(ctx context.Context, req *core.CreateOrderRequest) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	if o, ok := b.orders[req.IdempKey]; ok {
		return o, nil
	}
	b.creates++
	b.nextID++
	o := &core.BrokerOrder{
		BrokerOrderID: fmt.Sprintf("b-%d", b.nextID),
		ClientOrderID: req.IdempKey,
		Venue:         req.Venue,
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         core.StateAcked,
		Qty:           req.Qty,
		Price:         req.Price,
	}
	b.orders[req.IdempKey] = o
	return o, nil
}

func (b *fakeBroker) Cancel(ctx context.Context, venue, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancels++
	return nil
}

func (b *fakeBroker) GetOrderByClientID(ctx context.Context, clientID string) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orders[clientID], nil
}

func (b *fakeBroker) OpenOrders(ctx context.Context) ([]*core.BrokerOrder, error) {
	return nil, nil
}
func (b *fakeBroker) Positions(ctx context.Context) ([]*core.Position, error) { return nil, nil }
func (b *fakeBroker) Balances(ctx context.Context) ([]*core.Balance, error)   { return nil, nil }
func (b *fakeBroker) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return d("50000"), nil
}
func (b *fakeBroker) GetSymbolSpecs(ctx context.Context, symbol string) (*core.SymbolSpecs, error) {
	return &core.SymbolSpecs{
		TickSize: d("0.1"), StepSize: d("0.001"),
		MinQty: d("0.001"), MinNotional: d("10"), ReduceOnly: true,
	}, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alert.Event
}

func (a *fakeAlerter) Emit(e alert.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

// passGate approves everything untouched; err makes it block.
type passGate struct {
	err   error
	calls int
}

func (g *passGate) Check(ctx context.Context, intent *core.OrderIntent, specs *core.SymbolSpecs, mark decimal.Decimal) (*gate.Result, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &gate.Result{Qty: intent.Params.Qty, Price: intent.Params.Price}, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeBroker, *passGate, *ledger.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.NewStore(filepath.Join(dir, "ledger.db"), &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	journal, err := ledger.NewJournal(filepath.Join(dir, "outbox.jsonl"), &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	broker := newFakeBroker()
	pg := &passGate{}
	r := New(config.DefaultConfig(), store, journal, broker, pg, &mockLogger{})
	return r, broker, pg, store
}

func submitParams() SubmitParams {
	return SubmitParams{
		Account:   "main",
		Venue:     "binance",
		Symbol:    "BTCUSDT",
		Side:      core.SideBuy,
		Type:      core.OrderTypeLimit,
		TIF:       "GTC",
		Qty:       d("1.0"),
		Price:     d("10.0"),
		RequestID: "req-1",
	}
}

func TestSubmit_DuplicateIsIdempotent(t *testing.T) {
	r, broker, _, _ := newTestRouter(t)

	ref1, err := r.SubmitOrder(context.Background(), submitParams())
	require.NoError(t, err)
	require.NotEmpty(t, ref1.BrokerOrderID)
	assert.Equal(t, core.StateAcked, ref1.State)

	ref2, err := r.SubmitOrder(context.Background(), submitParams())
	require.NoError(t, err)
	assert.Equal(t, ref1.BrokerOrderID, ref2.BrokerOrderID)
	assert.Equal(t, ref1.IntentID, ref2.IntentID)
	assert.Equal(t, 1, broker.creates, "broker must see exactly one create_order")
}

func TestSubmit_RequestIDReuseAcrossScopesRejected(t *testing.T) {
	r, broker, _, _ := newTestRouter(t)

	ref1, err := r.SubmitOrder(context.Background(), submitParams())
	require.NoError(t, err)
	require.NotEmpty(t, ref1.BrokerOrderID)

	// req-1 again, but now selling a different symbol: the first order's ref
	// must not come back as if this one were placed.
	p := submitParams()
	p.Symbol = "ETHUSDT"
	p.Side = core.SideSell
	ref2, err := r.SubmitOrder(context.Background(), p)
	var conflict *apperrors.IntentScopeConflict
	require.ErrorAs(t, err, &conflict)
	assert.Nil(t, ref2)
	assert.Equal(t, 1, broker.creates, "conflicting reuse must not reach the broker")
}

func TestSubmit_ConcurrentDuplicates(t *testing.T) {
	r, broker, _, _ := newTestRouter(t)

	const n = 8
	refs := make([]*core.OrderRef, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = r.SubmitOrder(context.Background(), submitParams())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, broker.creates)
	for i := range refs {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0].BrokerOrderID, refs[i].BrokerOrderID)
	}
}

func TestSubmit_GateRejectionMarksRejected(t *testing.T) {
	r, broker, pg, store := newTestRouter(t)
	pg.err = &apperrors.PretradeRejection{Reason: "price_tick"}

	_, err := r.SubmitOrder(context.Background(), submitParams())
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "price_tick", rej.Reason)
	assert.Zero(t, broker.creates, "broker never called on gate rejection")

	intent, err := store.LoadIntent(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, intent.State)
}

func TestSubmit_SafetyHoldMarksRejected(t *testing.T) {
	r, broker, pg, store := newTestRouter(t)
	pg.err = &apperrors.HoldActive{Reason: "RECON_DIVERGENCE"}

	_, err := r.SubmitOrder(context.Background(), submitParams())
	var hold *apperrors.HoldActive
	require.ErrorAs(t, err, &hold)
	assert.Equal(t, "RECON_DIVERGENCE", hold.Reason)
	assert.Zero(t, broker.creates)

	intent, err := store.LoadIntent(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, intent.State)
}

func TestSubmit_BrokerFailureMarksRejected(t *testing.T) {
	r, broker, _, store := newTestRouter(t)
	broker.createErr = apperrors.ErrOrderRejected

	_, err := r.SubmitOrder(context.Background(), submitParams())
	var rerr *apperrors.RouterError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "submit", rerr.Op)

	intent, err := store.LoadIntent(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, intent.State)
}

func TestSubmit_AmbiguousFailureLeavesSent(t *testing.T) {
	r, broker, _, store := newTestRouter(t)
	broker.createErr = context.DeadlineExceeded

	_, err := r.SubmitOrder(context.Background(), submitParams())
	require.Error(t, err)

	intent, err := store.LoadIntent(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateSent, intent.State, "ambiguous broker outcome must not roll back")
}

func TestCancel_Idempotent(t *testing.T) {
	r, broker, _, store := newTestRouter(t)

	ref, err := r.SubmitOrder(context.Background(), submitParams())
	require.NoError(t, err)

	require.NoError(t, r.CancelOrder(context.Background(), "main", "binance", ref.BrokerOrderID, "", "user"))
	require.NoError(t, r.CancelOrder(context.Background(), "main", "binance", ref.BrokerOrderID, "", "user"))
	assert.Equal(t, 1, broker.cancels, "broker must see exactly one cancel")

	intent, err := store.LoadIntent(context.Background(), ref.IntentID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCanceled, intent.State)
}

func TestCancel_BrokerFailureMarksRejected(t *testing.T) {
	r, broker, _, store := newTestRouter(t)

	ref, err := r.SubmitOrder(context.Background(), submitParams())
	require.NoError(t, err)

	broker.cancelErr = apperrors.ErrNetwork
	err = r.CancelOrder(context.Background(), "main", "binance", ref.BrokerOrderID, "cx-1", "user")
	var rerr *apperrors.RouterError
	require.ErrorAs(t, err, &rerr)

	ci, err := store.LoadCancelIntent(context.Background(), "cx-1")
	require.NoError(t, err)
	assert.Equal(t, core.CancelRejected, ci.State)

	// Retry after the failure goes through with a fresh cancel intent.
	broker.cancelErr = nil
	require.NoError(t, r.CancelOrder(context.Background(), "main", "binance", ref.BrokerOrderID, "cx-2", "user"))
	assert.Equal(t, 1, broker.cancels)
}

func TestReplace_SupersedesAndCancels(t *testing.T) {
	r, broker, _, store := newTestRouter(t)

	ref, err := r.SubmitOrder(context.Background(), submitParams())
	require.NoError(t, err)

	newParams := core.OrderParams{
		Type: core.OrderTypeLimit, TIF: "GTC",
		Qty: d("2.0"), Price: d("11.0"),
	}
	repl, err := r.ReplaceOrder(context.Background(), "main", "binance", ref.BrokerOrderID, newParams, "req-2")
	require.NoError(t, err)
	assert.Equal(t, core.StateAcked, repl.State)
	assert.NotEqual(t, ref.BrokerOrderID, repl.BrokerOrderID)
	assert.Equal(t, 1, broker.cancels)

	old, err := store.LoadIntent(context.Background(), ref.IntentID)
	require.NoError(t, err)
	assert.Equal(t, core.StateReplaced, old.State)
	assert.Equal(t, repl.IntentID, old.ReplacedBy)

	// Retrying the replace short-circuits on the existing replacement.
	again, err := r.ReplaceOrder(context.Background(), "main", "binance", ref.BrokerOrderID, newParams, "req-3")
	require.NoError(t, err)
	assert.Equal(t, repl.IntentID, again.IntentID)
	assert.Equal(t, 1, broker.cancels)
}

func TestReplace_UnknownOrder(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	_, err := r.ReplaceOrder(context.Background(), "main", "binance", "nope",
		core.OrderParams{Qty: d("1"), Price: d("10")}, "")
	var rerr *apperrors.RouterError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))
}

func TestRecoverInflight(t *testing.T) {
	r, broker, _, store := newTestRouter(t)
	ctx := context.Background()

	// Crash artifact: intent went SENT, broker got the order, ack never landed.
	known := &core.OrderIntent{
		IntentID: "oi-known", RequestID: "oi-known",
		Scope:  core.OrderScope{Account: "main", Venue: "binance", Symbol: "BTCUSDT", Side: core.SideBuy},
		Params: core.OrderParams{Type: core.OrderTypeLimit, Qty: d("1"), Price: d("10")},
		State:  core.StateNew,
	}
	_, _, err := store.EnsureOrderIntent(ctx, known)
	require.NoError(t, err)
	_, err = store.UpdateIntentState(ctx, "oi-known", core.StateSent)
	require.NoError(t, err)
	_, err = broker.CreateOrder(ctx, &core.CreateOrderRequest{
		Venue: "binance", Symbol: "BTCUSDT", Side: core.SideBuy,
		Qty: d("1"), Price: d("10"), IdempKey: "oi-known",
	})
	require.NoError(t, err)

	unknown := &core.OrderIntent{
		IntentID: "oi-unknown", RequestID: "oi-unknown",
		Scope:  core.OrderScope{Account: "main", Venue: "binance", Symbol: "BTCUSDT", Side: core.SideBuy},
		Params: core.OrderParams{Type: core.OrderTypeLimit, Qty: d("1"), Price: d("10")},
		State:  core.StateNew,
	}
	_, _, err = store.EnsureOrderIntent(ctx, unknown)
	require.NoError(t, err)
	_, err = store.UpdateIntentState(ctx, "oi-unknown", core.StateSent)
	require.NoError(t, err)

	require.NoError(t, r.RecoverInflight(ctx))

	recovered, err := store.LoadIntent(ctx, "oi-known")
	require.NoError(t, err)
	assert.Equal(t, core.StateAcked, recovered.State)
	assert.NotEmpty(t, recovered.BrokerOrderID)

	left, err := store.LoadIntent(ctx, "oi-unknown")
	require.NoError(t, err)
	assert.Equal(t, core.StateSent, left.State, "unknown orders stay for manual ops")
}

func TestRecoverJournal_BrokerOrderWithoutLedgerRow(t *testing.T) {
	r, broker, _, _ := newTestRouter(t)
	ctx := context.Background()
	alerts := &fakeAlerter{}
	r.SetAlerter(alerts)

	// Crash between the broker create and the ledger write: the outbox has a
	// pending entry, the broker has the order, the ledger has nothing.
	_, err := broker.CreateOrder(ctx, &core.CreateOrderRequest{
		Venue: "binance", Symbol: "BTCUSDT", Side: core.SideBuy,
		Qty: d("1"), Price: d("10"), IdempKey: "oi-lost",
	})
	require.NoError(t, err)

	open := map[string]ledger.Entry{
		"oi-lost": {Kind: ledger.EntryOrderPending, IntentID: "oi-lost"},
		"oi-gone": {Kind: ledger.EntryOrderPending, IntentID: "oi-gone"},
	}
	require.NoError(t, r.RecoverJournal(ctx, open))

	require.Len(t, alerts.events, 1, "only the broker-held orphan escalates")
	assert.Equal(t, "journal_orphan", alerts.events[0].Kind)
	assert.Equal(t, "oi-lost", alerts.events[0].Ctx["intent_id"])
	assert.NotEmpty(t, alerts.events[0].Ctx["broker_order_id"])
}

func TestRecoverJournal_LedgerKnownIntentLeftToInflight(t *testing.T) {
	r, broker, _, _ := newTestRouter(t)
	ctx := context.Background()
	alerts := &fakeAlerter{}
	r.SetAlerter(alerts)

	ref, err := r.SubmitOrder(ctx, submitParams())
	require.NoError(t, err)

	open := map[string]ledger.Entry{
		ref.IntentID: {Kind: ledger.EntryOrderAcked, IntentID: ref.IntentID, BrokerOrderID: ref.BrokerOrderID},
	}
	require.NoError(t, r.RecoverJournal(ctx, open))
	assert.Empty(t, alerts.events)
	assert.Equal(t, 1, broker.creates)
}

func TestRecoverJournal_ResendsSentCancel(t *testing.T) {
	r, broker, _, store := newTestRouter(t)
	ctx := context.Background()

	ref, err := r.SubmitOrder(ctx, submitParams())
	require.NoError(t, err)

	// Crash artifact: the cancel was journaled SENT but the broker call and
	// the final record are missing.
	_, _, err = store.EnsureCancelIntent(ctx, &core.CancelIntent{
		IntentID: "cx-1", Account: "main", Venue: "binance",
		BrokerOrderID: ref.BrokerOrderID, Reason: "user", State: core.CancelPending,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateCancelState(ctx, "cx-1", core.CancelSent))

	open := map[string]ledger.Entry{
		"cx-1": {Kind: ledger.EntryCancelSent, IntentID: "cx-1", BrokerOrderID: ref.BrokerOrderID},
	}
	require.NoError(t, r.RecoverJournal(ctx, open))

	assert.Equal(t, 1, broker.cancels, "cancel re-issued exactly once")
	ci, err := store.LoadCancelIntent(ctx, "cx-1")
	require.NoError(t, err)
	assert.Equal(t, core.CancelAcked, ci.State)

	intent, err := store.LoadIntent(ctx, ref.IntentID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCanceled, intent.State)
}

func TestRecordFill_PartialThenFilled(t *testing.T) {
	r, _, _, store := newTestRouter(t)
	ctx := context.Background()

	ref, err := r.SubmitOrder(ctx, submitParams())
	require.NoError(t, err)

	require.NoError(t, r.RecordFill(ctx, ref.IntentID, &core.Fill{
		OrderID: ref.BrokerOrderID, Qty: d("0.4"), Price: d("10.0"),
	}))
	intent, err := store.LoadIntent(ctx, ref.IntentID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePartial, intent.State)
	assert.True(t, intent.RemainingQty.Equal(d("0.6")), "got %s", intent.RemainingQty)

	require.NoError(t, r.RecordFill(ctx, ref.IntentID, &core.Fill{
		OrderID: ref.BrokerOrderID, Qty: d("0.6"), Price: d("10.2"),
	}))
	intent, err = store.LoadIntent(ctx, ref.IntentID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFilled, intent.State)
	assert.True(t, intent.RemainingQty.IsZero())
	assert.True(t, intent.AvgFillPrice.Equal(d("10.12")), "got %s", intent.AvgFillPrice)
}
