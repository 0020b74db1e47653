// Package router is the idempotent order router: submit, cancel and replace
// with exact-once broker effects backed by the ledger and the outbox journal.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Dennicka/propbot-sub002/internal/alert"
	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/gate"
	"github.com/Dennicka/propbot-sub002/internal/ident"
	"github.com/Dennicka/propbot-sub002/internal/ledger"
	apperrors "github.com/Dennicka/propbot-sub002/pkg/errors"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

const defaultBrokerTimeout = 10 * time.Second

// SubmitParams are the caller-facing order parameters. RequestID is optional;
// when set it doubles as the intent id so retried submits deduplicate.
type SubmitParams struct {
	Account    string
	Venue      string
	Symbol     string
	Side       core.Side
	Type       core.OrderType
	TIF        core.TimeInForce
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Strategy   string
	RequestID  string
	ReduceOnly bool
}

// PretradeGate is the validation pipeline invoked inside submit.
type PretradeGate interface {
	Check(ctx context.Context, intent *core.OrderIntent, specs *core.SymbolSpecs, mark decimal.Decimal) (*gate.Result, error)
}

// HealthRecorder receives broker interaction outcomes (the watchdog).
type HealthRecorder interface {
	RecordOrderSubmit(venue string)
	RecordOrderReject(venue string)
	RecordRESTOK(venue string)
	RecordRESTError(venue string, kind string)
}

// OutcomeRecorder receives order outcomes (the risk governor).
type OutcomeRecorder interface {
	RecordOrderSuccess()
	RecordOrderError(category string)
}

// Alerter receives incidents the router cannot resolve on its own.
type Alerter interface {
	Emit(e alert.Event)
}

// Router serialises order lifecycle operations per intent and per broker order,
// and guarantees a single broker effect per intent id.
type Router struct {
	cfg     *config.Config
	store   *ledger.Store
	journal *ledger.Journal
	broker  core.Broker
	gate    PretradeGate
	gen     *ident.Generator

	health  HealthRecorder  // optional
	outcome OutcomeRecorder // optional
	alerts  Alerter         // optional

	intentLocks *keyedMutex
	orderLocks  *keyedMutex

	placeLimiter  *rate.Limiter
	cancelLimiter *rate.Limiter

	now    func() time.Time
	logger core.ILogger
}

// New creates a router.
func New(cfg *config.Config, store *ledger.Store, journal *ledger.Journal,
	broker core.Broker, pretrade PretradeGate, logger core.ILogger) *Router {
	return &Router{
		cfg:           cfg,
		store:         store,
		journal:       journal,
		broker:        broker,
		gate:          pretrade,
		gen:           ident.New(),
		intentLocks:   newKeyedMutex(),
		orderLocks:    newKeyedMutex(),
		placeLimiter:  perMinuteLimiter(cfg.Guards.RateLimit.PlacePerMin),
		cancelLimiter: perMinuteLimiter(cfg.Guards.RateLimit.CancelPerMin),
		now:           time.Now,
		logger:        logger.WithField("component", "order_router"),
	}
}

func perMinuteLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMin / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), burst)
}

// SetHealthRecorder wires the watchdog.
func (r *Router) SetHealthRecorder(h HealthRecorder) { r.health = h }

// SetOutcomeRecorder wires the risk governor.
func (r *Router) SetOutcomeRecorder(o OutcomeRecorder) { r.outcome = o }

// SetAlerter wires the incident pipeline.
func (r *Router) SetAlerter(a Alerter) { r.alerts = a }

func (r *Router) brokerTimeout() time.Duration {
	if r.cfg.System.BrokerTimeoutSec > 0 {
		return time.Duration(r.cfg.System.BrokerTimeoutSec) * time.Second
	}
	return defaultBrokerTimeout
}

// SubmitOrder places an order through the full pipeline. Calling it twice with
// the same RequestID yields one broker create_order and the same OrderRef.
func (r *Router) SubmitOrder(ctx context.Context, p SubmitParams) (*core.OrderRef, error) {
	started := r.now()

	if err := r.placeLimiter.Wait(ctx); err != nil {
		return nil, &apperrors.RouterError{Op: "submit", Cause: err}
	}

	requestID := p.RequestID
	if requestID == "" {
		requestID = r.gen.IntentID()
	}
	intentID := requestID

	unlock := r.intentLocks.lock(intentID)
	defer unlock()

	intent := &core.OrderIntent{
		IntentID:  intentID,
		RequestID: requestID,
		Scope: core.OrderScope{
			Account:  p.Account,
			Venue:    p.Venue,
			Symbol:   p.Symbol,
			Side:     p.Side,
			Strategy: p.Strategy,
		},
		Params: core.OrderParams{
			Type:       p.Type,
			TIF:        p.TIF,
			Qty:        p.Qty,
			Price:      p.Price,
			ReduceOnly: p.ReduceOnly,
		},
		State:     core.StateNew,
		CreatedAt: started,
	}

	stored, dedup, err := r.store.EnsureOrderIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert intent %s: %w", intentID, err)
	}
	if dedup && (stored.BrokerOrderID != "" || stored.State.IsTerminal()) {
		telemetry.GetGlobalMetrics().IncIdempotencyHits(ctx)
		r.logger.Info("Idempotency hit on submit",
			"intent_id", intentID, "state", stored.State, "broker_order_id", stored.BrokerOrderID)
		return refOf(stored), nil
	}

	stored, err = r.store.UpdateIntentState(ctx, intentID, core.StateSent)
	if err != nil {
		return nil, err
	}

	specs, mark := r.symbolContext(ctx, p.Symbol)
	result, err := r.gate.Check(ctx, stored, specs, mark)
	if err != nil {
		var rejection *apperrors.PretradeRejection
		var throttled *apperrors.GateThrottled
		var hold *apperrors.HoldActive
		if errors.As(err, &rejection) || errors.As(err, &throttled) || errors.As(err, &hold) {
			if _, uerr := r.store.UpdateIntentState(ctx, intentID, core.StateRejected); uerr != nil {
				r.logger.Error("Failed to mark gated intent rejected", "intent_id", intentID, "error", uerr)
			}
			telemetry.GetGlobalMetrics().IncOrdersRejected(ctx)
		}
		return nil, err
	}

	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryOrderPending, IntentID: intentID, RequestID: requestID,
	}); err != nil {
		return nil, fmt.Errorf("failed to journal pending order %s: %w", intentID, err)
	}

	if r.health != nil {
		r.health.RecordOrderSubmit(p.Venue)
	}

	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout())
	defer cancel()
	order, err := r.broker.CreateOrder(bctx, &core.CreateOrderRequest{
		Venue:      p.Venue,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Type:       p.Type,
		TIF:        p.TIF,
		Qty:        result.Qty,
		Price:      result.Price,
		Strategy:   p.Strategy,
		IdempKey:   intentID,
		ReduceOnly: p.ReduceOnly,
	})
	if err != nil {
		return nil, r.submitFailure(ctx, intentID, requestID, p.Venue, err)
	}

	if r.health != nil {
		r.health.RecordRESTOK(p.Venue)
	}
	if r.outcome != nil {
		r.outcome.RecordOrderSuccess()
	}

	stored, err = r.store.UpdateIntentState(ctx, intentID, core.StateAcked,
		ledger.WithBrokerOrderID(order.BrokerOrderID))
	if err != nil {
		return nil, err
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryOrderAcked, IntentID: intentID, RequestID: requestID,
		BrokerOrderID: order.BrokerOrderID,
	}); err != nil {
		r.logger.Error("Failed to journal ack", "intent_id", intentID, "error", err)
	}

	m := telemetry.GetGlobalMetrics()
	m.IncOrdersSubmitted(ctx)
	m.RecordSubmitLatency(ctx, float64(r.now().Sub(started).Milliseconds()))

	r.logger.Info("Order acked",
		"intent_id", intentID, "broker_order_id", order.BrokerOrderID,
		"venue", p.Venue, "symbol", p.Symbol, "side", p.Side,
		"qty", result.Qty, "price", result.Price, "autofixed", result.Autofixed)
	return refOf(stored), nil
}

// submitFailure classifies a broker create_order error. A timeout or caller
// cancellation is ambiguous: the broker may have the order, so the intent stays
// SENT for recovery. A definite rejection marks the intent REJECTED.
func (r *Router) submitFailure(ctx context.Context, intentID, requestID, venue string, cause error) error {
	ambiguous := errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled)

	if r.health != nil {
		kind := "other"
		if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, apperrors.ErrTimeout) {
			kind = "timeout"
		}
		r.health.RecordRESTError(venue, kind)
		r.health.RecordOrderReject(venue)
	}
	if r.outcome != nil {
		r.outcome.RecordOrderError("broker")
	}

	if ambiguous {
		r.logger.Error("Broker call ambiguous, intent left SENT for recovery",
			"intent_id", intentID, "error", cause)
		return &apperrors.RouterError{Op: "submit", Cause: cause}
	}

	if _, err := r.store.UpdateIntentState(ctx, intentID, core.StateRejected); err != nil {
		r.logger.Error("Failed to mark intent rejected", "intent_id", intentID, "error", err)
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryOrderFinal, IntentID: intentID, RequestID: requestID,
		State: string(core.StateRejected),
	}); err != nil {
		r.logger.Error("Failed to journal rejection", "intent_id", intentID, "error", err)
	}
	telemetry.GetGlobalMetrics().IncOrdersRejected(ctx)
	return &apperrors.RouterError{Op: "submit", Cause: cause}
}

func (r *Router) symbolContext(ctx context.Context, symbol string) (*core.SymbolSpecs, decimal.Decimal) {
	specs, err := r.broker.GetSymbolSpecs(ctx, symbol)
	if err != nil {
		r.logger.Warn("Symbol specs unavailable", "symbol", symbol, "error", err)
		specs = nil
	}
	mark, err := r.broker.GetMarkPrice(ctx, symbol)
	if err != nil {
		r.logger.Warn("Mark price unavailable", "symbol", symbol, "error", err)
		mark = decimal.Zero
	}
	return specs, mark
}

// CancelOrder cancels a broker order idempotently: repeated calls produce a
// single broker cancel.
func (r *Router) CancelOrder(ctx context.Context, account, venue, brokerOrderID, requestID, reason string) error {
	if err := r.cancelLimiter.Wait(ctx); err != nil {
		return &apperrors.RouterError{Op: "cancel", Cause: err}
	}

	unlock := r.orderLocks.lock(orderKey(account, venue, brokerOrderID))
	defer unlock()

	existing, err := r.store.ActiveCancelFor(ctx, account, venue, brokerOrderID)
	if err != nil {
		return err
	}
	var ci *core.CancelIntent
	if existing != nil {
		if existing.State == core.CancelAcked {
			telemetry.GetGlobalMetrics().IncIdempotencyHits(ctx)
			return nil
		}
		ci = existing
	} else {
		cancelID := requestID
		if cancelID == "" {
			cancelID = r.gen.CancelID()
		}
		ci = &core.CancelIntent{
			IntentID:      cancelID,
			Account:       account,
			Venue:         venue,
			BrokerOrderID: brokerOrderID,
			Reason:        reason,
			State:         core.CancelPending,
			CreatedAt:     r.now(),
		}
		stored, dedup, err := r.store.EnsureCancelIntent(ctx, ci)
		if err != nil {
			return err
		}
		if dedup && stored.State == core.CancelAcked {
			telemetry.GetGlobalMetrics().IncIdempotencyHits(ctx)
			return nil
		}
		ci = stored
	}

	if ci.State == core.CancelPending {
		if err := r.store.UpdateCancelState(ctx, ci.IntentID, core.CancelSent); err != nil {
			return err
		}
		if err := r.journal.Append(&ledger.Entry{
			Kind: ledger.EntryCancelSent, IntentID: ci.IntentID, BrokerOrderID: brokerOrderID,
		}); err != nil {
			r.logger.Error("Failed to journal cancel", "cancel_id", ci.IntentID, "error", err)
		}
	}

	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout())
	defer cancel()
	if err := r.broker.Cancel(bctx, venue, brokerOrderID); err != nil {
		if uerr := r.store.UpdateCancelState(ctx, ci.IntentID, core.CancelRejected); uerr != nil {
			r.logger.Error("Failed to mark cancel rejected", "cancel_id", ci.IntentID, "error", uerr)
		}
		if r.health != nil {
			r.health.RecordRESTError(venue, "other")
		}
		return &apperrors.RouterError{Op: "cancel", Cause: err}
	}

	if err := r.store.UpdateCancelState(ctx, ci.IntentID, core.CancelAcked); err != nil {
		return err
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryCancelFinal, IntentID: ci.IntentID, BrokerOrderID: brokerOrderID,
		State: string(core.CancelAcked),
	}); err != nil {
		r.logger.Error("Failed to journal cancel ack", "cancel_id", ci.IntentID, "error", err)
	}
	if r.health != nil {
		r.health.RecordRESTOK(venue)
	}

	r.markOrderCanceled(ctx, account, venue, brokerOrderID, reason)
	return nil
}

// markOrderCanceled flips the owning intent to CANCELED after a broker cancel
// ack. Best-effort: the broker stream may already have finalized the intent.
func (r *Router) markOrderCanceled(ctx context.Context, account, venue, brokerOrderID, reason string) {
	intent, err := r.store.LoadIntentByBrokerID(ctx, account, venue, brokerOrderID)
	if err != nil || intent == nil {
		return
	}
	if intent.State.IsTerminal() {
		return
	}
	if _, err := r.store.UpdateIntentState(ctx, intent.IntentID, core.StateCanceled); err != nil {
		r.logger.Warn("Intent not moved to CANCELED",
			"intent_id", intent.IntentID, "state", intent.State, "error", err)
		return
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryOrderFinal, IntentID: intent.IntentID,
		BrokerOrderID: brokerOrderID, State: string(core.StateCanceled),
	}); err != nil {
		r.logger.Error("Failed to journal cancel final", "intent_id", intent.IntentID, "error", err)
	}
	r.logger.Info("Order canceled",
		"intent_id", intent.IntentID, "broker_order_id", brokerOrderID, "reason", reason)
}

// ReplaceOrder atomically supersedes a live order with new parameters: the
// replacement is acked first, then the old broker order is canceled.
func (r *Router) ReplaceOrder(ctx context.Context, account, venue, brokerOrderID string,
	newParams core.OrderParams, requestID string) (*core.OrderRef, error) {

	unlockOrder := r.orderLocks.lock(orderKey(account, venue, brokerOrderID))
	defer unlockOrder()

	existing, err := r.store.LoadIntentByBrokerID(ctx, account, venue, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &apperrors.RouterError{Op: "replace", Cause: apperrors.ErrOrderNotFound}
	}

	if existing.ReplacedBy != "" {
		repl, err := r.store.LoadIntent(ctx, existing.ReplacedBy)
		if err != nil {
			return nil, err
		}
		if repl != nil && (repl.State.IsTerminal() || repl.BrokerOrderID != "") {
			telemetry.GetGlobalMetrics().IncIdempotencyHits(ctx)
			return refOf(repl), nil
		}
	}

	newID := requestID
	if newID == "" {
		newID = r.gen.IntentID()
	}

	unlockOld := r.intentLocks.lock(existing.IntentID)
	replacement := &core.OrderIntent{
		IntentID:  newID,
		RequestID: newID,
		Scope:     existing.Scope,
		Params:    newParams,
		State:     core.StateNew,
		CreatedAt: r.now(),
	}
	if _, _, err := r.store.EnsureOrderIntent(ctx, replacement); err != nil {
		unlockOld()
		return nil, fmt.Errorf("failed to pre-create replacement %s: %w", newID, err)
	}
	if _, err := r.store.UpdateIntentState(ctx, existing.IntentID, core.StateReplaced,
		ledger.WithReplacedBy(newID)); err != nil {
		unlockOld()
		return nil, err
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryOrderFinal, IntentID: existing.IntentID,
		BrokerOrderID: brokerOrderID, State: string(core.StateReplaced),
	}); err != nil {
		r.logger.Error("Failed to journal replace", "intent_id", existing.IntentID, "error", err)
	}
	unlockOld()

	ref, err := r.SubmitOrder(ctx, SubmitParams{
		Account:    account,
		Venue:      venue,
		Symbol:     existing.Scope.Symbol,
		Side:       existing.Scope.Side,
		Type:       newParams.Type,
		TIF:        newParams.TIF,
		Qty:        newParams.Qty,
		Price:      newParams.Price,
		Strategy:   existing.Scope.Strategy,
		RequestID:  newID,
		ReduceOnly: newParams.ReduceOnly,
	})
	if err != nil {
		return nil, err
	}

	if err := r.cancelForReplace(ctx, account, venue, brokerOrderID); err != nil {
		// Both orders may now be live. Loud escalation, not rollback: the
		// replacement is already acked and canceling it would lose the book.
		r.logger.Error("CRITICAL: replace succeeded but old order cancel failed",
			"old_intent_id", existing.IntentID, "old_broker_order_id", brokerOrderID,
			"new_intent_id", ref.IntentID, "new_broker_order_id", ref.BrokerOrderID,
			"error", err)
		if r.alerts != nil {
			r.alerts.Emit(alert.Event{
				Kind:     "replace_cancel_failed",
				Severity: alert.SeverityCritical,
				Title:    "Replace left two live orders",
				Detail:   fmt.Sprintf("old order %s not canceled after replacement %s acked", brokerOrderID, ref.BrokerOrderID),
				Tags:     []string{"router", venue},
				Ctx: map[string]string{
					"old_intent_id":       existing.IntentID,
					"old_broker_order_id": brokerOrderID,
					"new_intent_id":       ref.IntentID,
					"new_broker_order_id": ref.BrokerOrderID,
				},
			})
		}
	}

	if depth, err := r.store.ReplaceChainDepth(ctx, ref.IntentID); err == nil {
		telemetry.GetGlobalMetrics().RecordReplaceChainDepth(ctx, depth)
	}
	return ref, nil
}

// cancelForReplace cancels without re-acquiring the order lock held by
// ReplaceOrder.
func (r *Router) cancelForReplace(ctx context.Context, account, venue, brokerOrderID string) error {
	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout())
	defer cancel()
	if err := r.broker.Cancel(bctx, venue, brokerOrderID); err != nil {
		return err
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryCancelFinal, IntentID: brokerOrderID,
		BrokerOrderID: brokerOrderID, State: string(core.CancelAcked),
	}); err != nil {
		r.logger.Error("Failed to journal replace cancel", "broker_order_id", brokerOrderID, "error", err)
	}
	return nil
}

// RecordFill applies one execution to the ledger: fill row, position update,
// realized PnL and the intent's fill totals and state.
func (r *Router) RecordFill(ctx context.Context, intentID string, fill *core.Fill) error {
	unlock := r.intentLocks.lock(intentID)
	defer unlock()

	intent, err := r.store.LoadIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent == nil {
		return &apperrors.RouterError{Op: "fill", Cause: apperrors.ErrOrderNotFound}
	}

	realized, err := r.store.ApplyFill(ctx, intent.Scope.Venue, intent.Scope.Symbol, fill)
	if err != nil {
		return fmt.Errorf("failed to apply fill for %s: %w", intentID, err)
	}
	usd, _ := realized.Float64()
	telemetry.GetGlobalMetrics().AddPnLRealized(ctx, usd)

	filled := intent.FilledQty.Add(fill.Qty.Abs())
	avg := fill.Price
	if intent.FilledQty.IsPositive() {
		avg = intent.AvgFillPrice.Mul(intent.FilledQty).
			Add(fill.Price.Mul(fill.Qty.Abs())).Div(filled)
	}

	next := core.StatePartial
	if filled.GreaterThanOrEqual(intent.Params.Qty.Sub(decimal.New(1, -6))) {
		next = core.StateFilled
	}
	if _, err := r.store.UpdateIntentState(ctx, intentID, next,
		ledger.WithFillTotals(filled, avg)); err != nil {
		return err
	}
	if next == core.StateFilled {
		if err := r.journal.Append(&ledger.Entry{
			Kind: ledger.EntryOrderFinal, IntentID: intentID,
			BrokerOrderID: intent.BrokerOrderID, State: string(core.StateFilled),
		}); err != nil {
			r.logger.Error("Failed to journal fill final", "intent_id", intentID, "error", err)
		}
	}
	return nil
}

// RecoverInflight queries the broker for every non-terminal intent after a
// restart. Orders the broker knows resume ACKED; unknown ones stay put for
// manual resolution.
func (r *Router) RecoverInflight(ctx context.Context) error {
	intents, err := r.store.InflightIntents(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate inflight intents: %w", err)
	}

	for _, intent := range intents {
		if intent.State != core.StateSent && intent.State != core.StatePending {
			continue
		}
		bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout())
		order, err := r.broker.GetOrderByClientID(bctx, intent.IntentID)
		cancel()
		if err != nil {
			r.logger.Error("Recovery lookup failed", "intent_id", intent.IntentID, "error", err)
			continue
		}
		if order == nil {
			r.logger.Warn("Inflight intent unknown to broker, leaving for manual ops",
				"intent_id", intent.IntentID, "state", intent.State)
			continue
		}
		if _, err := r.store.UpdateIntentState(ctx, intent.IntentID, core.StateAcked,
			ledger.WithBrokerOrderID(order.BrokerOrderID)); err != nil {
			r.logger.Error("Recovery transition failed", "intent_id", intent.IntentID, "error", err)
			continue
		}
		if err := r.journal.Append(&ledger.Entry{
			Kind: ledger.EntryOrderAcked, IntentID: intent.IntentID,
			RequestID: intent.RequestID, BrokerOrderID: order.BrokerOrderID,
		}); err != nil {
			r.logger.Error("Failed to journal recovery ack", "intent_id", intent.IntentID, "error", err)
		}
		r.logger.Info("Recovered inflight intent",
			"intent_id", intent.IntentID, "broker_order_id", order.BrokerOrderID)
	}
	return nil
}

// RecoverJournal settles outbox entries that never saw a final record. An
// entry whose intent the ledger still tracks is covered by RecoverInflight;
// the cases handled here are the crashes that raced the ledger write: a
// cancel left SENT, and an order the broker may hold with no ledger row.
func (r *Router) RecoverJournal(ctx context.Context, open map[string]ledger.Entry) error {
	for _, e := range open {
		switch e.Kind {
		case ledger.EntryCancelSent:
			r.recoverJournaledCancel(ctx, e)
		default:
			r.recoverJournaledOrder(ctx, e)
		}
	}
	return nil
}

func (r *Router) recoverJournaledOrder(ctx context.Context, e ledger.Entry) {
	intent, err := r.store.LoadIntent(ctx, e.IntentID)
	if err != nil {
		r.logger.Error("Journal recovery lookup failed", "intent_id", e.IntentID, "error", err)
		return
	}
	if intent != nil {
		return // ledger knows it; inflight recovery owns the settlement
	}

	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout())
	order, err := r.broker.GetOrderByClientID(bctx, e.IntentID)
	cancel()
	if err != nil {
		r.logger.Error("Journal recovery broker lookup failed", "intent_id", e.IntentID, "error", err)
		return
	}
	if order == nil {
		r.logger.Warn("Journaled order never reached the broker or the ledger, dropping",
			"intent_id", e.IntentID, "kind", e.Kind)
		return
	}

	// The broker holds an order the ledger never recorded. The row cannot be
	// reconstructed from the journal alone; escalate instead of guessing.
	r.logger.Error("Broker holds an order the ledger lost",
		"intent_id", e.IntentID, "broker_order_id", order.BrokerOrderID)
	if r.alerts != nil {
		r.alerts.Emit(alert.Event{
			Kind:     "journal_orphan",
			Severity: alert.SeverityCritical,
			Title:    "Broker order without ledger row",
			Detail:   fmt.Sprintf("intent %s is live at the broker as %s but the ledger has no row", e.IntentID, order.BrokerOrderID),
			Tags:     []string{"router", order.Venue},
			Ctx: map[string]string{
				"intent_id":       e.IntentID,
				"broker_order_id": order.BrokerOrderID,
			},
		})
	}
}

func (r *Router) recoverJournaledCancel(ctx context.Context, e ledger.Entry) {
	ci, err := r.store.LoadCancelIntent(ctx, e.IntentID)
	if err != nil {
		r.logger.Error("Journal recovery cancel lookup failed", "cancel_id", e.IntentID, "error", err)
		return
	}
	if ci == nil || ci.State != core.CancelSent {
		return
	}

	// The cancel may or may not have reached the broker; re-issuing is safe
	// because broker cancels are idempotent by order id.
	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout())
	err = r.broker.Cancel(bctx, ci.Venue, ci.BrokerOrderID)
	cancel()
	if err != nil {
		r.logger.Error("Journal recovery cancel failed, resolver will retry",
			"cancel_id", ci.IntentID, "broker_order_id", ci.BrokerOrderID, "error", err)
		return
	}
	if err := r.store.UpdateCancelState(ctx, ci.IntentID, core.CancelAcked); err != nil {
		r.logger.Error("Journal recovery cancel transition failed", "cancel_id", ci.IntentID, "error", err)
		return
	}
	if err := r.journal.Append(&ledger.Entry{
		Kind: ledger.EntryCancelFinal, IntentID: ci.IntentID, BrokerOrderID: ci.BrokerOrderID,
		State: string(core.CancelAcked),
	}); err != nil {
		r.logger.Error("Failed to journal recovered cancel", "cancel_id", ci.IntentID, "error", err)
	}
	r.markOrderCanceled(ctx, ci.Account, ci.Venue, ci.BrokerOrderID, ci.Reason)
	r.logger.Info("Recovered in-flight cancel",
		"cancel_id", ci.IntentID, "broker_order_id", ci.BrokerOrderID)
}

func refOf(intent *core.OrderIntent) *core.OrderRef {
	return &core.OrderRef{
		IntentID:      intent.IntentID,
		RequestID:     intent.RequestID,
		BrokerOrderID: intent.BrokerOrderID,
		State:         intent.State,
	}
}

func orderKey(account, venue, brokerOrderID string) string {
	return account + "|" + venue + "|" + brokerOrderID
}
