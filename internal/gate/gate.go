// Package gate is the pre-trade validation pipeline. Checks run in a fixed
// order and the first block wins; reducing risk is privileged throughout.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/risk"
	apperrors "github.com/Dennicka/propbot-sub002/pkg/errors"
)

// Block reasons not owned by quantize/exposure.
const (
	ReasonProfileBlocksOpen = "profile_blocks_open"
	ReasonSafeModeHold      = "SAFE_MODE_HOLD"
	ReasonFrozenByRisk      = "FROZEN_BY_RISK"
	ReasonVenueDown         = "VENUE_DOWN"
	ReasonReduceOnlyUnsup   = "reduce_only_unsupported"
	ReasonOutsideTradeHours = "outside_trade_hours"
	ReasonPerOrderNotional  = "max_notional_per_order"
	ReasonPerSymbolNotional = "max_notional_per_symbol"
	ReasonPerVenueNotional  = "max_notional_per_venue"
	ReasonGlobalNotional    = "max_notional_global"
	ReasonDailyLossCap      = "daily_loss_cap"
	ReasonCanaryNotional    = "canary_order_notional"
	ReasonCanaryDailyOrders = "canary_daily_orders"
)

// SupervisorSource is the slice of the safety supervisor the gate needs.
type SupervisorSource interface {
	HoldActive() (bool, string)
	EngageSafetyHold(reason, source string)
	RecordPretradeBlock()
}

// FreezeSource answers scope freeze queries.
type FreezeSource interface {
	IsFrozen(strategy, venue, symbol string) (bool, string)
}

// ThrottleSource is the risk governor surface.
type ThrottleSource interface {
	Compute(venue string) risk.Decision
}

// VenueBlockSource reports watchdog-level order blocking.
type VenueBlockSource interface {
	ShouldBlockOrders(venue string) bool
}

// PositionSource supplies current positions for exposure projection.
type PositionSource interface {
	Positions(ctx context.Context) ([]*core.Position, error)
}

// Result is the gate verdict for an accepted order. When Autofixed is set the
// router must use the fixed values; the original request is never mutated.
type Result struct {
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Autofixed bool
}

// Gate validates orders before they reach a broker.
type Gate struct {
	cfg        *config.Config
	supervisor SupervisorSource
	freezes    FreezeSource
	governor   ThrottleSource
	venues     VenueBlockSource // optional
	positions  PositionSource
	markFn     MarkFn                 // optional, falls back to position VWAP
	dailyPnL   func() decimal.Decimal // optional, today's realized PnL

	mu          chan struct{} // serialises the canary daily counter
	dayKey      string
	dailyOrders int

	now    func() time.Time
	logger core.ILogger
}

// New creates a gate.
func New(cfg *config.Config, supervisor SupervisorSource, freezes FreezeSource,
	governor ThrottleSource, positions PositionSource, logger core.ILogger) *Gate {
	g := &Gate{
		cfg:        cfg,
		supervisor: supervisor,
		freezes:    freezes,
		governor:   governor,
		positions:  positions,
		mu:         make(chan struct{}, 1),
		now:        time.Now,
		logger:     logger.WithField("component", "pretrade_gate"),
	}
	g.mu <- struct{}{}
	return g
}

// SetVenueBlocker wires the watchdog order blocker.
func (g *Gate) SetVenueBlocker(v VenueBlockSource) { g.venues = v }

// SetMarkFn wires a mark price resolver for exposure projection.
func (g *Gate) SetMarkFn(fn MarkFn) { g.markFn = fn }

// SetDailyPnLSource wires today's realized PnL for the daily loss cap.
func (g *Gate) SetDailyPnLSource(fn func() decimal.Decimal) { g.dailyPnL = fn }

// Check validates one intent. specs and mark come from the broker adapter; the
// caller resolves them so the gate stays deterministic and easily testable.
// The returned error is a *PretradeRejection, *GateThrottled or *HoldActive;
// nil means pass.
func (g *Gate) Check(ctx context.Context, intent *core.OrderIntent, specs *core.SymbolSpecs, mark decimal.Decimal) (*Result, error) {
	positions, err := g.positions.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for gate: %w", err)
	}
	reducing := g.isReducing(positions, intent)

	// 1. Profile.
	if reason := g.checkProfile(intent, reducing); reason != "" {
		return nil, g.block(intent, reason, nil)
	}

	// 2. Safe mode.
	if held, why := g.supervisor.HoldActive(); held {
		g.supervisor.RecordPretradeBlock()
		g.logger.Warn("Pre-trade block",
			"reason", ReasonSafeModeHold, "hold_reason", why,
			"venue", intent.Scope.Venue, "symbol", intent.Scope.Symbol)
		return nil, &apperrors.HoldActive{Reason: why}
	}

	// 3. Freeze registry. Reduce-only orders against a live position bypass.
	if frozen, why := g.freezes.IsFrozen(intent.Scope.Strategy, intent.Scope.Venue, intent.Scope.Symbol); frozen {
		if !(intent.Params.ReduceOnly && reducing) {
			return nil, g.block(intent, ReasonFrozenByRisk, map[string]string{"freeze_reason": why})
		}
	}

	// 4. Risk governor throttle and venue health.
	decision := g.governor.Compute(intent.Scope.Venue)
	if decision.AutoHoldReason != "" {
		g.supervisor.EngageSafetyHold(decision.AutoHoldReason, "risk_governor")
	}
	if decision.Throttled && !reducing {
		g.supervisor.RecordPretradeBlock()
		return nil, &apperrors.GateThrottled{
			Reason:      decision.Reason,
			SuccessRate: decision.SuccessRate,
			ErrorRate:   decision.ErrorRate,
		}
	}
	if g.venues != nil && g.venues.ShouldBlockOrders(intent.Scope.Venue) {
		return nil, g.block(intent, ReasonVenueDown, nil)
	}

	// 5. Quantisation (plus venue capability checks).
	if intent.Params.ReduceOnly && specs != nil && !specs.ReduceOnly {
		return nil, g.block(intent, ReasonReduceOnlyUnsup, nil)
	}
	res := &Result{Qty: intent.Params.Qty, Price: intent.Params.Price}
	if specs != nil {
		q, reason := Quantize(intent.Params, specs, mark, g.cfg.App.AllowAutofix)
		if reason != "" {
			return nil, g.block(intent, reason, map[string]string{
				"qty": intent.Params.Qty.String(), "price": intent.Params.Price.String(),
			})
		}
		res.Qty, res.Price, res.Autofixed = q.Qty, q.Price, q.Autofixed
	}

	// 6. Trade windows.
	if reason := g.checkTradeWindows(intent.Scope.Symbol); reason != "" {
		return nil, g.block(intent, reason, nil)
	}

	// 7. Maintenance windows.
	if reason := g.checkMaintenance(); reason != "" {
		return nil, g.block(intent, reason, nil)
	}

	// 8. Exposure caps.
	fixed := *intent
	fixed.Params.Qty, fixed.Params.Price = res.Qty, res.Price
	if reason := checkExposure(g.cfg.Exposure, positions, &fixed, g.markResolver(intent, mark)); reason != "" {
		return nil, g.block(intent, reason, nil)
	}

	// 9. Risk notional limits.
	if reason := g.checkNotionalLimits(positions, &fixed, mark); reason != "" {
		return nil, g.block(intent, reason, nil)
	}

	// 10. Canary.
	if reason := g.checkCanary(&fixed, mark); reason != "" {
		return nil, g.block(intent, reason, nil)
	}

	return res, nil
}

func (g *Gate) block(intent *core.OrderIntent, reason string, details map[string]string) error {
	g.supervisor.RecordPretradeBlock()
	g.logger.Warn("Pre-trade block",
		"reason", reason, "venue", intent.Scope.Venue, "symbol", intent.Scope.Symbol,
		"side", intent.Scope.Side, "qty", intent.Params.Qty)
	return &apperrors.PretradeRejection{Reason: reason, Details: details}
}

// isReducing reports whether the order shrinks the (venue, symbol) absolute
// position.
func (g *Gate) isReducing(positions []*core.Position, intent *core.OrderIntent) bool {
	signed := intent.Params.Qty
	if intent.Scope.Side == core.SideSell {
		signed = signed.Neg()
	}
	for _, p := range positions {
		if p.Venue == intent.Scope.Venue && p.Symbol == intent.Scope.Symbol {
			return p.NetQty.Add(signed).Abs().LessThan(p.NetQty.Abs())
		}
	}
	return false
}

func (g *Gate) checkProfile(intent *core.OrderIntent, reducing bool) string {
	switch core.Profile(g.cfg.App.Profile) {
	case core.ProfilePaper, core.ProfileTestnet, core.ProfileLive, core.ProfileCanary:
	default:
		return ReasonProfileBlocksOpen
	}
	if g.cfg.App.ClosuresOnly && !reducing {
		return ReasonProfileBlocksOpen
	}
	return ""
}

func (g *Gate) checkTradeWindows(symbol string) string {
	sc, ok := g.cfg.Symbols[symbol]
	if !ok || len(sc.TradeWindows) == 0 {
		return ""
	}
	for _, w := range sc.TradeWindows {
		if inWindow(g.now(), w.Start, w.End, w.TZ) {
			return ""
		}
	}
	return ReasonOutsideTradeHours
}

func (g *Gate) checkMaintenance() string {
	for _, w := range g.cfg.System.MaintenanceWindows {
		if inWindow(g.now(), w.Start, w.End, w.TZ) {
			if w.Reason != "" {
				return w.Reason
			}
			return "maintenance_window"
		}
	}
	return ""
}

// inWindow reports whether now falls inside [start, end) wall-clock time in tz.
// Windows may wrap midnight.
func inWindow(now time.Time, start, end, tz string) bool {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	parse := func(s string) (int, bool) {
		var h, m int
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return 0, false
		}
		return h*60 + m, true
	}
	s, ok1 := parse(start)
	e, ok2 := parse(end)
	if !ok1 || !ok2 {
		return false
	}
	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func (g *Gate) markResolver(intent *core.OrderIntent, mark decimal.Decimal) MarkFn {
	return func(venue, symbol string) decimal.Decimal {
		if venue == intent.Scope.Venue && symbol == intent.Scope.Symbol && !mark.IsZero() {
			return mark
		}
		if g.markFn != nil {
			if px := g.markFn(venue, symbol); !px.IsZero() {
				return px
			}
		}
		return decimal.Zero
	}
}

func (g *Gate) checkNotionalLimits(positions []*core.Position, intent *core.OrderIntent, mark decimal.Decimal) string {
	caps := g.cfg.Risk.NotionalCaps
	notional := intent.Notional(mark)

	if caps.PerOrderUSD > 0 && notional.GreaterThan(decimal.NewFromFloat(caps.PerOrderUSD)) {
		return ReasonPerOrderNotional
	}

	resolve := g.markResolver(intent, mark)
	var symbolAbs, venueAbs, globalAbs decimal.Decimal
	for _, p := range positions {
		px := resolve(p.Venue, p.Symbol)
		if px.IsZero() {
			px = p.VWAP
		}
		n := p.NetQty.Mul(px).Abs()
		globalAbs = globalAbs.Add(n)
		if p.Venue == intent.Scope.Venue {
			venueAbs = venueAbs.Add(n)
		}
		if p.Venue == intent.Scope.Venue && p.Symbol == intent.Scope.Symbol {
			symbolAbs = n
		}
	}

	if caps.PerSymbolUSD > 0 && symbolAbs.Add(notional).GreaterThan(decimal.NewFromFloat(caps.PerSymbolUSD)) {
		return ReasonPerSymbolNotional
	}
	if caps.PerVenueUSD > 0 && venueAbs.Add(notional).GreaterThan(decimal.NewFromFloat(caps.PerVenueUSD)) {
		return ReasonPerVenueNotional
	}
	if caps.TotalUSD > 0 && globalAbs.Add(notional).GreaterThan(decimal.NewFromFloat(caps.TotalUSD)) {
		return ReasonGlobalNotional
	}

	if g.cfg.Risk.DailyLossCap > 0 && g.dailyPnL != nil {
		if g.dailyPnL().LessThanOrEqual(decimal.NewFromFloat(-g.cfg.Risk.DailyLossCap)) {
			return ReasonDailyLossCap
		}
	}
	return ""
}

func (g *Gate) checkCanary(intent *core.OrderIntent, mark decimal.Decimal) string {
	if core.Profile(g.cfg.App.Profile) != core.ProfileCanary {
		return ""
	}
	c := g.cfg.Risk.Canary

	if c.MaxOrderNotionalUSD > 0 &&
		intent.Notional(mark).GreaterThan(decimal.NewFromFloat(c.MaxOrderNotionalUSD)) {
		return ReasonCanaryNotional
	}

	<-g.mu
	defer func() { g.mu <- struct{}{} }()

	day := g.now().UTC().Format("2006-01-02")
	if day != g.dayKey {
		g.dayKey, g.dailyOrders = day, 0
	}
	if c.MaxDailyOrders > 0 && g.dailyOrders >= c.MaxDailyOrders {
		return ReasonCanaryDailyOrders
	}
	g.dailyOrders++
	return ""
}
