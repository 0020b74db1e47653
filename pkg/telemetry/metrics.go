package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names. These are stable contracts consumed by dashboards and alerts;
// renaming one is a breaking change.
const (
	MetricOrderSubmitLatency   = "propbot_order_submit_latency_ms"
	MetricIdempotencyHitsTotal = "propbot_idempotency_hits_total"
	MetricOpenIntents          = "propbot_open_intents"
	MetricOrdersSubmittedTotal = "propbot_orders_submitted_total"
	MetricOrdersRejectedTotal  = "propbot_orders_rejected_total"
	MetricReplaceChainDepth    = "propbot_replace_chain_depth"
	MetricWSConnectsTotal      = "propbot_ws_connects_total"
	MetricWSDisconnectsTotal   = "propbot_ws_disconnects_total"
	MetricBookGapsTotal        = "propbot_book_gaps_total"
	MetricBookResyncsTotal     = "propbot_book_resyncs_total"
	MetricVenueState           = "propbot_venue_state"
	MetricVenueBurnRate        = "propbot_venue_burn_rate"
	MetricRiskSuccessRate      = "propbot_risk_success_rate"
	MetricRiskErrorRate        = "propbot_risk_error_rate"
	MetricReconDivergenceUSD   = "propbot_recon_divergence_usd"
	MetricResolverRetriesTotal = "propbot_resolver_retries_total"
	MetricResolverStuckTotal   = "propbot_resolver_stuck_total"
	MetricPnLRealizedTotal     = "propbot_pnl_realized_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SubmitLatency     metric.Float64Histogram
	IdempotencyHits   metric.Int64Counter
	OrdersSubmitted   metric.Int64Counter
	OrdersRejected    metric.Int64Counter
	ReplaceChainDepth metric.Int64Histogram
	WSConnects        metric.Int64Counter
	WSDisconnects     metric.Int64Counter
	BookGaps          metric.Int64Counter
	BookResyncs       metric.Int64Counter
	ResolverRetries   metric.Int64Counter
	ResolverStuck     metric.Int64Counter
	PnLRealized       metric.Float64Counter
	OpenIntents       metric.Int64ObservableGauge
	VenueState        metric.Int64ObservableGauge
	VenueBurnRate     metric.Float64ObservableGauge
	RiskSuccessRate   metric.Float64ObservableGauge
	RiskErrorRate     metric.Float64ObservableGauge
	ReconDivergence   metric.Float64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	openIntents     int64
	venueStateMap   map[string]int64
	venueBurnMap    map[string]float64
	riskSuccessMap  map[string]float64
	riskErrorMap    map[string]float64
	reconDivergeMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			venueStateMap:   make(map[string]int64),
			venueBurnMap:    make(map[string]float64),
			riskSuccessMap:  make(map[string]float64),
			riskErrorMap:    make(map[string]float64),
			reconDivergeMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.SubmitLatency, err = meter.Float64Histogram(MetricOrderSubmitLatency,
		metric.WithDescription("Latency of router submit operations"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.IdempotencyHits, err = meter.Int64Counter(MetricIdempotencyHitsTotal,
		metric.WithDescription("Router operations short-circuited by the ledger dedup"))
	if err != nil {
		return err
	}

	m.OrdersSubmitted, err = meter.Int64Counter(MetricOrdersSubmittedTotal,
		metric.WithDescription("Orders submitted to brokers"))
	if err != nil {
		return err
	}

	m.OrdersRejected, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Orders rejected before or at the broker"))
	if err != nil {
		return err
	}

	m.ReplaceChainDepth, err = meter.Int64Histogram(MetricReplaceChainDepth,
		metric.WithDescription("Depth of replace chains at replace time"))
	if err != nil {
		return err
	}

	m.WSConnects, err = meter.Int64Counter(MetricWSConnectsTotal,
		metric.WithDescription("WebSocket connections established"))
	if err != nil {
		return err
	}

	m.WSDisconnects, err = meter.Int64Counter(MetricWSDisconnectsTotal,
		metric.WithDescription("WebSocket disconnects observed"))
	if err != nil {
		return err
	}

	m.BookGaps, err = meter.Int64Counter(MetricBookGapsTotal,
		metric.WithDescription("Order book sequence gaps detected"))
	if err != nil {
		return err
	}

	m.BookResyncs, err = meter.Int64Counter(MetricBookResyncsTotal,
		metric.WithDescription("Order book snapshot resyncs performed"))
	if err != nil {
		return err
	}

	m.ResolverRetries, err = meter.Int64Counter(MetricResolverRetriesTotal,
		metric.WithDescription("Stuck-order resolver cancel+resubmit cycles"))
	if err != nil {
		return err
	}

	m.ResolverStuck, err = meter.Int64Counter(MetricResolverStuckTotal,
		metric.WithDescription("Orders that exhausted resolver retries"))
	if err != nil {
		return err
	}

	m.PnLRealized, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OpenIntents, err = meter.Int64ObservableGauge(MetricOpenIntents,
		metric.WithDescription("Number of non-terminal order intents"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openIntents)
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueState, err = meter.Int64ObservableGauge(MetricVenueState,
		metric.WithDescription("Watchdog venue state (0=OK 1=DEGRADED 2=DOWN)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.venueStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueBurnRate, err = meter.Float64ObservableGauge(MetricVenueBurnRate,
		metric.WithDescription("Fraction of the error budget window spent non-OK"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.venueBurnMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskSuccessRate, err = meter.Float64ObservableGauge(MetricRiskSuccessRate,
		metric.WithDescription("Risk governor order success rate over its window"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.riskSuccessMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskErrorRate, err = meter.Float64ObservableGauge(MetricRiskErrorRate,
		metric.WithDescription("Risk governor order error rate over its window"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.riskErrorMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconDivergence, err = meter.Float64ObservableGauge(MetricReconDivergenceUSD,
		metric.WithDescription("Worst absolute notional divergence from the last recon cycle"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.reconDivergeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Counter and histogram helpers. All are safe to call before InitMetrics so
// packages under test do not need a telemetry pipeline.

func (m *MetricsHolder) IncIdempotencyHits(ctx context.Context, attrs ...attribute.KeyValue) {
	if m.IdempotencyHits != nil {
		m.IdempotencyHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *MetricsHolder) IncOrdersSubmitted(ctx context.Context, attrs ...attribute.KeyValue) {
	if m.OrdersSubmitted != nil {
		m.OrdersSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *MetricsHolder) IncOrdersRejected(ctx context.Context, attrs ...attribute.KeyValue) {
	if m.OrdersRejected != nil {
		m.OrdersRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *MetricsHolder) RecordSubmitLatency(ctx context.Context, ms float64) {
	if m.SubmitLatency != nil {
		m.SubmitLatency.Record(ctx, ms)
	}
}

func (m *MetricsHolder) RecordReplaceChainDepth(ctx context.Context, depth int64) {
	if m.ReplaceChainDepth != nil {
		m.ReplaceChainDepth.Record(ctx, depth)
	}
}

func (m *MetricsHolder) IncWSConnects(ctx context.Context, venue string) {
	if m.WSConnects != nil {
		m.WSConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) IncWSDisconnects(ctx context.Context, venue string) {
	if m.WSDisconnects != nil {
		m.WSDisconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
	}
}

func (m *MetricsHolder) IncBookGaps(ctx context.Context) {
	if m.BookGaps != nil {
		m.BookGaps.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncBookResyncs(ctx context.Context) {
	if m.BookResyncs != nil {
		m.BookResyncs.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncResolverRetries(ctx context.Context) {
	if m.ResolverRetries != nil {
		m.ResolverRetries.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncResolverStuck(ctx context.Context) {
	if m.ResolverStuck != nil {
		m.ResolverStuck.Add(ctx, 1)
	}
}

func (m *MetricsHolder) AddPnLRealized(ctx context.Context, usd float64) {
	if m.PnLRealized != nil {
		m.PnLRealized.Add(ctx, usd)
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenIntents(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openIntents = count
}

func (m *MetricsHolder) SetVenueState(venue string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueStateMap[venue] = state
}

func (m *MetricsHolder) SetVenueBurnRate(venue string, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueBurnMap[venue] = rate
}

func (m *MetricsHolder) SetRiskRates(venue string, success, errRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskSuccessMap[venue] = success
	m.riskErrorMap[venue] = errRate
}

func (m *MetricsHolder) SetReconDivergence(venue string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconDivergeMap[venue] = usd
}
