// Package watchdog classifies venue health from sliding windows of feed and
// REST outcomes and drives throttle/auto-hold callbacks on transitions.
package watchdog

import (
	"sort"
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/pkg/concurrency"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

// Window sizes for the derived metrics.
const (
	lagWindow        = 120 * time.Second
	disconnectWindow = 60 * time.Second
	restWindow       = 300 * time.Second
	rejectWindow     = 300 * time.Second
)

// errorBudgetFraction is the share of the budget window a venue may spend
// non-OK before its burn rate reaches 1.0.
const errorBudgetFraction = 0.10

// ThrottleFn is invoked when the watchdog starts or stops throttling. The
// reason has the shape "<venue>:<metric_reason>" when throttled.
type ThrottleFn func(throttled bool, reason string)

// AutoHoldFn is invoked on a first-time DOWN transition with auto_hold_on_down.
type AutoHoldFn func(venue string, state core.BrokerState, reason string)

type sample struct {
	ts  time.Time
	val float64
}

type venueStats struct {
	mu          sync.Mutex
	lagSamples  []sample
	disconnects []time.Time
	restOK      []time.Time
	restTimeout []time.Time
	rest5xx     []time.Time
	restOther   []time.Time
	submits     []time.Time
	rejects     []time.Time

	state  core.BrokerState
	reason string

	// non-OK spans inside the error budget window
	nonOKSince time.Time
	nonOKSpans []span
	everDown   bool
	burnRate   float64
}

type span struct {
	from, to time.Time
}

// Watchdog tracks per-venue health.
type Watchdog struct {
	cfg config.WatchdogConfig

	mu     sync.Mutex
	venues map[string]*venueStats

	throttledBy map[string]string // venue -> reason, venues currently non-OK

	onThrottle ThrottleFn
	onAutoHold AutoHoldFn
	callbacks  *concurrency.WorkerPool

	now    func() time.Time
	logger core.ILogger
}

// New creates a watchdog. Callbacks are dispatched on a small worker pool so a
// slow supervisor never blocks the hot recording path.
func New(cfg config.WatchdogConfig, logger core.ILogger) *Watchdog {
	return &Watchdog{
		cfg:         cfg,
		venues:      make(map[string]*venueStats),
		throttledBy: make(map[string]string),
		callbacks: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name: "watchdog-callbacks", MaxWorkers: 2, MaxCapacity: 64,
		}, logger),
		now:    time.Now,
		logger: logger.WithField("component", "watchdog"),
	}
}

// SetOnThrottleChange registers the throttle observer.
func (w *Watchdog) SetOnThrottleChange(fn ThrottleFn) { w.onThrottle = fn }

// SetOnAutoHold registers the auto-hold observer.
func (w *Watchdog) SetOnAutoHold(fn AutoHoldFn) { w.onAutoHold = fn }

// Stop drains the callback pool.
func (w *Watchdog) Stop() { w.callbacks.Stop() }

func (w *Watchdog) venue(name string) *venueStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.venues[name]
	if !ok {
		v = &venueStats{state: core.BrokerOK}
		w.venues[name] = v
	}
	return v
}

// RecordWSLag records one feed lag sample in milliseconds.
func (w *Watchdog) RecordWSLag(venue string, lagMs float64) {
	v := w.venue(venue)
	v.mu.Lock()
	v.lagSamples = append(v.lagSamples, sample{ts: w.now(), val: lagMs})
	v.mu.Unlock()
	w.evaluate(venue)
}

// RecordWSDisconnect records one websocket disconnect.
func (w *Watchdog) RecordWSDisconnect(venue string) {
	v := w.venue(venue)
	v.mu.Lock()
	v.disconnects = append(v.disconnects, w.now())
	v.mu.Unlock()
	w.evaluate(venue)
}

// RecordRESTOK records a successful REST call.
func (w *Watchdog) RecordRESTOK(venue string) {
	v := w.venue(venue)
	v.mu.Lock()
	v.restOK = append(v.restOK, w.now())
	v.mu.Unlock()
	w.evaluate(venue)
}

// RESTErrorKind categorizes a failed REST call.
type RESTErrorKind string

const (
	RESTTimeout RESTErrorKind = "timeout"
	RESTHTTP5xx RESTErrorKind = "http5xx"
	RESTOther   RESTErrorKind = "other"
)

// RecordRESTError records a failed REST call.
func (w *Watchdog) RecordRESTError(venue string, kind RESTErrorKind) {
	v := w.venue(venue)
	v.mu.Lock()
	switch kind {
	case RESTTimeout:
		v.restTimeout = append(v.restTimeout, w.now())
	case RESTHTTP5xx:
		v.rest5xx = append(v.rest5xx, w.now())
	default:
		v.restOther = append(v.restOther, w.now())
	}
	v.mu.Unlock()
	w.evaluate(venue)
}

// RecordOrderSubmit records one order submission.
func (w *Watchdog) RecordOrderSubmit(venue string) {
	v := w.venue(venue)
	v.mu.Lock()
	v.submits = append(v.submits, w.now())
	v.mu.Unlock()
	w.evaluate(venue)
}

// RecordOrderReject records one order rejection.
func (w *Watchdog) RecordOrderReject(venue string) {
	v := w.venue(venue)
	v.mu.Lock()
	v.rejects = append(v.rejects, w.now())
	v.mu.Unlock()
	w.evaluate(venue)
}

// State returns the current classification and reason for a venue.
func (w *Watchdog) State(venue string) (core.BrokerState, string) {
	v := w.venue(venue)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.reason
}

// BurnRate returns the fraction of the error budget window spent non-OK.
func (w *Watchdog) BurnRate(venue string) float64 {
	v := w.venue(venue)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.burnRate
}

// ShouldBlockOrders reports whether submits to the venue must be blocked.
func (w *Watchdog) ShouldBlockOrders(venue string) bool {
	if !w.cfg.BlockOnDown {
		return false
	}
	state, _ := w.State(venue)
	return state == core.BrokerDown
}

// Metrics holds the derived window metrics for one venue.
type Metrics struct {
	WSLagMsP95       float64
	WSDisconnectsMin float64
	Rest5xxRate      float64
	RestTimeoutsRate float64
	OrderRejectRate  float64
}

// Snapshot computes the current derived metrics for a venue.
func (w *Watchdog) Snapshot(venue string) Metrics {
	v := w.venue(venue)
	v.mu.Lock()
	defer v.mu.Unlock()
	return w.deriveLocked(v)
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (w *Watchdog) deriveLocked(v *venueStats) Metrics {
	now := w.now()

	// prune
	lagCut := now.Add(-lagWindow)
	i := 0
	for i < len(v.lagSamples) && v.lagSamples[i].ts.Before(lagCut) {
		i++
	}
	v.lagSamples = v.lagSamples[i:]

	v.disconnects = pruneTimes(v.disconnects, now.Add(-disconnectWindow))
	restCut := now.Add(-restWindow)
	v.restOK = pruneTimes(v.restOK, restCut)
	v.restTimeout = pruneTimes(v.restTimeout, restCut)
	v.rest5xx = pruneTimes(v.rest5xx, restCut)
	v.restOther = pruneTimes(v.restOther, restCut)
	rejCut := now.Add(-rejectWindow)
	v.submits = pruneTimes(v.submits, rejCut)
	v.rejects = pruneTimes(v.rejects, rejCut)

	var m Metrics

	if n := len(v.lagSamples); n > 0 {
		vals := make([]float64, n)
		for i, s := range v.lagSamples {
			vals[i] = s.val
		}
		sort.Float64s(vals)
		idx := int(float64(n) * 0.95)
		if idx >= n {
			idx = n - 1
		}
		m.WSLagMsP95 = vals[idx]
	}

	m.WSDisconnectsMin = float64(len(v.disconnects))

	restTotal := len(v.restOK) + len(v.restTimeout) + len(v.rest5xx) + len(v.restOther)
	if restTotal > 0 {
		m.Rest5xxRate = float64(len(v.rest5xx)) / float64(restTotal)
		m.RestTimeoutsRate = float64(len(v.restTimeout)) / float64(restTotal)
	}

	if len(v.submits) > 0 {
		m.OrderRejectRate = float64(len(v.rejects)) / float64(len(v.submits))
	}

	return m
}

func classify(val float64, th config.Threshold) core.BrokerState {
	switch {
	case th.Down > 0 && val >= th.Down:
		return core.BrokerDown
	case th.Degraded > 0 && val >= th.Degraded:
		return core.BrokerDegraded
	default:
		return core.BrokerOK
	}
}

// evaluate reclassifies a venue and fires transition callbacks.
func (w *Watchdog) evaluate(venue string) {
	v := w.venue(venue)
	v.mu.Lock()

	m := w.deriveLocked(v)
	th := w.cfg.Thresholds

	state := core.BrokerOK
	reason := ""
	checks := []struct {
		val float64
		th  config.Threshold
		tag string
	}{
		{m.WSLagMsP95, th.WSLagMsP95, "ws_lag"},
		{m.WSDisconnectsMin, th.WSDisconnectsMin, "ws_disconnects"},
		{m.Rest5xxRate, th.Rest5xxRate, "rest_5xx"},
		{m.RestTimeoutsRate, th.RestTimeoutsRate, "rest_timeouts"},
		{m.OrderRejectRate, th.OrderRejectRate, "order_rejects"},
	}
	for _, c := range checks {
		if s := classify(c.val, c.th); s > state {
			state, reason = s, c.tag
		}
	}

	// Error budget: fraction of the budget window spent non-OK.
	now := w.now()
	budget := time.Duration(w.cfg.ErrorBudgetWindowS) * time.Second
	cut := now.Add(-budget)

	if state != core.BrokerOK && v.nonOKSince.IsZero() {
		v.nonOKSince = now
	}
	if state == core.BrokerOK && !v.nonOKSince.IsZero() {
		v.nonOKSpans = append(v.nonOKSpans, span{from: v.nonOKSince, to: now})
		v.nonOKSince = time.Time{}
	}
	var spent time.Duration
	kept := v.nonOKSpans[:0]
	for _, sp := range v.nonOKSpans {
		if sp.to.Before(cut) {
			continue
		}
		from := sp.from
		if from.Before(cut) {
			from = cut
		}
		spent += sp.to.Sub(from)
		kept = append(kept, sp)
	}
	v.nonOKSpans = kept
	if !v.nonOKSince.IsZero() {
		from := v.nonOKSince
		if from.Before(cut) {
			from = cut
		}
		spent += now.Sub(from)
	}
	v.burnRate = 0
	if budget > 0 {
		v.burnRate = spent.Seconds() / (budget.Seconds() * errorBudgetFraction)
	}
	if state == core.BrokerOK && v.burnRate > 1.0 {
		state, reason = core.BrokerDegraded, "error_budget_exhausted"
	}

	prev := v.state
	firstDown := state == core.BrokerDown && !v.everDown
	if state == core.BrokerDown {
		v.everDown = true
	}
	v.state, v.reason = state, reason
	burn := v.burnRate
	v.mu.Unlock()

	telemetry.GetGlobalMetrics().SetVenueState(venue, int64(state))
	telemetry.GetGlobalMetrics().SetVenueBurnRate(venue, burn)

	if prev == state {
		return
	}
	w.logger.Warn("Venue state transition",
		"venue", venue, "from", prev.String(), "to", state.String(), "reason", reason)
	w.onTransition(venue, state, reason, firstDown)
}

func (w *Watchdog) onTransition(venue string, state core.BrokerState, reason string, firstDown bool) {
	w.mu.Lock()
	wasThrottled := len(w.throttledBy) > 0
	if state == core.BrokerOK {
		delete(w.throttledBy, venue)
	} else {
		w.throttledBy[venue] = reason
	}
	nowThrottled := len(w.throttledBy) > 0
	w.mu.Unlock()

	if w.onThrottle != nil {
		if !wasThrottled && nowThrottled {
			fn, arg := w.onThrottle, venue+":"+reason
			_ = w.callbacks.Submit(func() { fn(true, arg) })
		} else if wasThrottled && !nowThrottled {
			fn := w.onThrottle
			_ = w.callbacks.Submit(func() { fn(false, "") })
		}
	}

	if firstDown && w.cfg.AutoHoldOnDown && w.onAutoHold != nil {
		fn := w.onAutoHold
		_ = w.callbacks.Submit(func() { fn(venue, state, reason) })
	}
}
