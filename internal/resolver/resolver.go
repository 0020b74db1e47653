// Package resolver watches open orders that stopped making progress and
// recovers them: cancel, wait, resubmit with a fresh request id, bounded by a
// retry budget and a backoff schedule.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/alert"
	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/router"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

// ReasonStuckTimeout is the cancel reason the resolver uses.
const ReasonStuckTimeout = "STUCK_TIMEOUT"

// ErrStuckMaxRetries labels the incident emitted when the retry budget runs out.
const ErrStuckMaxRetries = "STUCK_MAX_RETRIES"

// RouterOps is the router surface the resolver drives.
type RouterOps interface {
	SubmitOrder(ctx context.Context, p router.SubmitParams) (*core.OrderRef, error)
	CancelOrder(ctx context.Context, account, venue, brokerOrderID, requestID, reason string) error
}

// LedgerSource reads intent state.
type LedgerSource interface {
	InflightIntents(ctx context.Context) ([]*core.OrderIntent, error)
	LoadIntent(ctx context.Context, intentID string) (*core.OrderIntent, error)
}

// Alerter receives incidents.
type Alerter interface {
	Emit(e alert.Event)
}

// retryState follows one business order across its resubmission chain.
type retryState struct {
	retryCount    int
	lastFilled    decimal.Decimal
	backoffUntil  time.Time
	stuckReported bool
	resolving     bool
}

// Resolver is the stuck-order recovery loop.
type Resolver struct {
	cfg    config.StuckResolverConfig
	router RouterOps
	ledger LedgerSource
	alerts Alerter // optional

	mu     sync.Mutex
	states map[string]*retryState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
	logger core.ILogger
}

// New creates a resolver.
func New(cfg config.StuckResolverConfig, routerOps RouterOps, ledgerSrc LedgerSource, logger core.ILogger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		router: routerOps,
		ledger: ledgerSrc,
		states: make(map[string]*retryState),
		now:    time.Now,
		sleep:  ctxSleep,
		logger: logger.WithField("component", "stuck_resolver"),
	}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// SetAlerter wires the incident pipeline.
func (r *Resolver) SetAlerter(a Alerter) { r.alerts = a }

// Start launches the poll loop.
func (r *Resolver) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("Stuck resolver disabled")
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.runLoop()
	r.logger.Info("Stuck resolver started",
		"poll_interval_ms", r.cfg.PollIntervalMs, "pending_timeout_sec", r.cfg.PendingTimeoutSec)
	return nil
}

// Stop halts the loop and waits for in-flight resolutions.
func (r *Resolver) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("Timeout waiting for stuck resolver to stop")
	}
	return nil
}

func (r *Resolver) runLoop() {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.PollOnce(r.ctx); err != nil {
				r.logger.Error("Resolver poll failed", "error", err)
			}
		}
	}
}

// PollOnce scans open intents and schedules resolution for the stuck ones.
func (r *Resolver) PollOnce(ctx context.Context) error {
	intents, err := r.ledger.InflightIntents(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate inflight intents: %w", err)
	}

	now := r.now()
	pendingTimeout := time.Duration(r.cfg.PendingTimeoutSec * float64(time.Second))

	seen := make(map[string]bool, len(intents))
	for _, intent := range intents {
		seen[intent.IntentID] = true

		switch intent.State {
		case core.StateSent, core.StateAcked, core.StatePartial:
		default:
			continue
		}

		r.mu.Lock()
		st, ok := r.states[intent.IntentID]
		if !ok {
			st = &retryState{}
			r.states[intent.IntentID] = st
		}

		if now.Sub(intent.CreatedAt) <= pendingTimeout {
			r.mu.Unlock()
			continue
		}
		if intent.FilledQty.GreaterThan(st.lastFilled) {
			// Progress since last poll: the order is alive, stand down.
			st.lastFilled = intent.FilledQty
			st.retryCount = 0
			r.mu.Unlock()
			continue
		}
		if st.retryCount >= r.cfg.MaxRetries {
			first := !st.stuckReported
			st.stuckReported = true
			r.mu.Unlock()
			if first {
				r.reportStuck(ctx, intent, st)
			}
			continue
		}
		if now.Before(st.backoffUntil) || st.resolving {
			r.mu.Unlock()
			continue
		}
		st.resolving = true
		r.mu.Unlock()

		r.wg.Add(1)
		go r.resolve(ctx, intent)
	}

	// Drop state for intents that left the open set without being resubmitted.
	r.mu.Lock()
	for id, st := range r.states {
		if !seen[id] && !st.resolving {
			delete(r.states, id)
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *Resolver) reportStuck(ctx context.Context, intent *core.OrderIntent, st *retryState) {
	telemetry.GetGlobalMetrics().IncResolverStuck(ctx)
	r.logger.Error("Order stuck after max retries, giving up",
		"intent_id", intent.IntentID, "retries", st.retryCount,
		"venue", intent.Scope.Venue, "symbol", intent.Scope.Symbol, "state", intent.State)
	if r.alerts != nil {
		r.alerts.Emit(alert.Event{
			Kind:     ErrStuckMaxRetries,
			Severity: alert.SeverityError,
			Title:    "Stuck order exhausted retries",
			Detail: fmt.Sprintf("intent %s on %s/%s stuck in %s after %d retries",
				intent.IntentID, intent.Scope.Venue, intent.Scope.Symbol, intent.State, st.retryCount),
			Tags: []string{"resolver", intent.Scope.Venue},
			Ctx: map[string]string{
				"intent_id": intent.IntentID,
				"venue":     intent.Scope.Venue,
				"symbol":    intent.Scope.Symbol,
			},
		})
	}
}

// resolve cancels the stuck order, waits out the grace period, and resubmits
// the same business parameters as a brand-new intent.
func (r *Resolver) resolve(ctx context.Context, intent *core.OrderIntent) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if st, ok := r.states[intent.IntentID]; ok {
			st.resolving = false
		}
		r.mu.Unlock()
	}()

	if intent.BrokerOrderID != "" {
		err := r.router.CancelOrder(ctx, intent.Scope.Account, intent.Scope.Venue,
			intent.BrokerOrderID, "", ReasonStuckTimeout)
		if err != nil {
			// Without a confirmed cancel a resubmit risks double exposure.
			// Back off and let the next poll try again.
			r.logger.Error("Stuck cancel failed", "intent_id", intent.IntentID, "error", err)
			r.mu.Lock()
			if st, ok := r.states[intent.IntentID]; ok {
				st.backoffUntil = r.now().Add(r.backoffAfter(st.retryCount))
			}
			r.mu.Unlock()
			return
		}
	}

	r.sleep(ctx, time.Duration(r.cfg.CancelGraceSec*float64(time.Second)))
	if ctx.Err() != nil {
		return
	}

	cur, err := r.ledger.LoadIntent(ctx, intent.IntentID)
	if err != nil {
		r.logger.Error("Stuck recheck failed", "intent_id", intent.IntentID, "error", err)
		return
	}
	if cur == nil {
		return
	}
	if cur.State == core.StateFilled {
		// Raced with a fill; nothing to recover.
		return
	}
	if !cur.State.IsTerminal() {
		// Cancel not yet effective; next poll revisits.
		return
	}

	ref, err := r.router.SubmitOrder(ctx, router.SubmitParams{
		Account:    intent.Scope.Account,
		Venue:      intent.Scope.Venue,
		Symbol:     intent.Scope.Symbol,
		Side:       intent.Scope.Side,
		Type:       intent.Params.Type,
		TIF:        intent.Params.TIF,
		Qty:        cur.RemainingQty,
		Price:      intent.Params.Price,
		Strategy:   intent.Scope.Strategy,
		ReduceOnly: intent.Params.ReduceOnly,
	})
	if err != nil {
		r.logger.Error("Stuck resubmit failed", "intent_id", intent.IntentID, "error", err)
		return
	}

	telemetry.GetGlobalMetrics().IncResolverRetries(ctx)

	r.mu.Lock()
	prev := r.states[intent.IntentID]
	newCount := 1
	if prev != nil {
		newCount = prev.retryCount + 1
	}
	r.states[ref.IntentID] = &retryState{
		retryCount:   newCount,
		backoffUntil: r.now().Add(r.backoffAfter(newCount)),
	}
	delete(r.states, intent.IntentID)
	r.mu.Unlock()

	r.logger.Warn("Stuck order resubmitted",
		"old_intent_id", intent.IntentID, "new_intent_id", ref.IntentID,
		"retry_count", newCount, "qty", cur.RemainingQty)
}

func (r *Resolver) backoffAfter(retryCount int) time.Duration {
	if len(r.cfg.BackoffSec) == 0 {
		return time.Second
	}
	sec := r.cfg.BackoffSec[retryCount%len(r.cfg.BackoffSec)]
	return time.Duration(sec * float64(time.Second))
}
