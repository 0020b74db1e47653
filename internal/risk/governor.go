// Package risk holds the order-outcome governor and the freeze registry. Both
// feed the pre-trade gate: the governor throttles on degrading order quality,
// the registry blocks scopes frozen by operators or automation.
package risk

import (
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

// Throttle reasons, stable strings consumed by alerts and dashboards.
const (
	ReasonLowSuccessRate  = "LOW_SUCCESS_RATE"
	ReasonHighOrderErrors = "HIGH_ORDER_ERRORS"
	ReasonBrokerDegraded  = "BROKER_DEGRADED"
)

// BrokerStateSource reports the watchdog classification of a venue.
type BrokerStateSource interface {
	State(venue string) (core.BrokerState, string)
}

// Decision is the governor's verdict for one evaluation.
type Decision struct {
	Throttled   bool
	Reason      string
	SuccessRate float64
	ErrorRate   float64
	Total       int
	// AutoHoldReason is set exactly once when hold_after_windows consecutive
	// evaluations were all throttled. Shape: "RISK::<reason>".
	AutoHoldReason string
}

type outcome struct {
	ts time.Time
	ok bool
}

// Governor keeps a sliding window of order outcomes and throttles submits when
// quality drops or the broker degrades.
type Governor struct {
	cfg     config.GovernorConfig
	brokers BrokerStateSource

	mu          sync.Mutex
	events      []outcome
	consecutive int  // consecutive throttled evaluations
	holdEmitted bool // auto-hold fired for the current throttled run

	now    func() time.Time
	logger core.ILogger
}

// NewGovernor creates a governor. brokers may be nil when no watchdog is wired.
func NewGovernor(cfg config.GovernorConfig, brokers BrokerStateSource, logger core.ILogger) *Governor {
	return &Governor{
		cfg:     cfg,
		brokers: brokers,
		now:     time.Now,
		logger:  logger.WithField("component", "risk_governor"),
	}
}

// RecordOrderSuccess appends a successful order outcome.
func (g *Governor) RecordOrderSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, outcome{ts: g.now(), ok: true})
}

// RecordOrderError appends a failed order outcome.
func (g *Governor) RecordOrderError(category string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, outcome{ts: g.now(), ok: false})
}

func (g *Governor) pruneLocked() {
	cutoff := g.now().Add(-time.Duration(g.cfg.WindowSec) * time.Second)
	i := 0
	for i < len(g.events) && g.events[i].ts.Before(cutoff) {
		i++
	}
	g.events = g.events[i:]
}

// Compute evaluates the governor for one venue. Rules run in fixed order; the
// first hit wins the reason.
func (g *Governor) Compute(venue string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked()

	var ok, total int
	for _, e := range g.events {
		total++
		if e.ok {
			ok++
		}
	}

	d := Decision{SuccessRate: 1, Total: total}
	if total > 0 {
		d.SuccessRate = float64(ok) / float64(total)
		d.ErrorRate = float64(total-ok) / float64(total)
	}

	switch {
	case total > 0 && d.SuccessRate < g.cfg.MinSuccessRate:
		d.Throttled, d.Reason = true, ReasonLowSuccessRate
	case total > 0 && d.ErrorRate > g.cfg.MaxOrderErrorRate:
		d.Throttled, d.Reason = true, ReasonHighOrderErrors
	default:
		if g.brokers != nil {
			state, why := g.brokers.State(venue)
			if state > core.ParseBrokerState(g.cfg.MinBrokerState) {
				d.Throttled, d.Reason = true, ReasonBrokerDegraded
				if why != "" {
					d.Reason += ":" + why
				}
			}
		}
	}

	if d.Throttled {
		g.consecutive++
		if g.consecutive >= g.cfg.HoldAfterWindows && !g.holdEmitted {
			d.AutoHoldReason = "RISK::" + d.Reason
			g.holdEmitted = true
			g.logger.Error("Risk governor auto-hold",
				"reason", d.Reason, "consecutive_windows", g.consecutive,
				"success_rate", d.SuccessRate, "error_rate", d.ErrorRate)
		}
	} else {
		g.consecutive = 0
		g.holdEmitted = false
	}

	telemetry.GetGlobalMetrics().SetRiskRates(venue, d.SuccessRate, d.ErrorRate)
	return d
}
