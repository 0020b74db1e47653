package gate

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
)

// Exposure cap block reasons.
const (
	ReasonExposureGlobal = "EXPOSURE_CAPS::GLOBAL"
	ReasonExposureSide   = "EXPOSURE_CAPS::SIDE"
	ReasonExposureVenue  = "EXPOSURE_CAPS::VENUE"
	ReasonExposureSymbol = "EXPOSURE_CAPS::SYMBOL"
)

// MarkFn resolves a mark price for a (venue, symbol).
type MarkFn func(venue, symbol string) decimal.Decimal

// checkExposure enforces the absolute-notional caps. Orders that reduce the
// (venue, symbol) absolute position are always allowed, caps included: getting
// out of risk must never be blocked.
func checkExposure(cfg config.ExposureConfig, positions []*core.Position,
	intent *core.OrderIntent, mark MarkFn) string {

	signed := intent.Params.Qty
	if intent.Scope.Side == core.SideSell {
		signed = signed.Neg()
	}

	var current decimal.Decimal
	for _, p := range positions {
		if p.Venue == intent.Scope.Venue && p.Symbol == intent.Scope.Symbol {
			current = p.NetQty
			break
		}
	}
	projected := current.Add(signed)
	if projected.Abs().LessThanOrEqual(current.Abs()) {
		return ""
	}

	px := mark(intent.Scope.Venue, intent.Scope.Symbol)
	if px.IsZero() {
		px = intent.Params.Price
	}

	// Notionals after the order lands.
	var globalAbs, venueAbs, symbolAbs, sideAbs decimal.Decimal
	projectedSide := core.SideBuy
	if projected.IsNegative() {
		projectedSide = core.SideSell
	}

	seen := false
	for _, p := range positions {
		net := p.NetQty
		if p.Venue == intent.Scope.Venue && p.Symbol == intent.Scope.Symbol {
			net = projected
			seen = true
		}
		pxp := mark(p.Venue, p.Symbol)
		if pxp.IsZero() {
			continue
		}
		notional := net.Mul(pxp).Abs()
		globalAbs = globalAbs.Add(notional)
		if p.Venue == intent.Scope.Venue {
			venueAbs = venueAbs.Add(notional)
		}
		if p.Venue == intent.Scope.Venue && p.Symbol == intent.Scope.Symbol {
			symbolAbs = notional
		}
		if (net.IsPositive() && projectedSide == core.SideBuy) ||
			(net.IsNegative() && projectedSide == core.SideSell) {
			sideAbs = sideAbs.Add(notional)
		}
	}
	if !seen {
		notional := projected.Mul(px).Abs()
		globalAbs = globalAbs.Add(notional)
		venueAbs = venueAbs.Add(notional)
		symbolAbs = notional
		sideAbs = sideAbs.Add(notional)
	}

	if cap := cfg.Default.MaxAbsUSD; cap > 0 && globalAbs.GreaterThan(decimal.NewFromFloat(cap)) {
		return ReasonExposureGlobal
	}

	sideKey := "LONG"
	if projectedSide == core.SideSell {
		sideKey = "SHORT"
	}
	if cap := cfg.Default.PerSideMaxUSD[sideKey]; cap > 0 && sideAbs.GreaterThan(decimal.NewFromFloat(cap)) {
		return ReasonExposureSide
	}

	if vc, ok := lookupCap(cfg.PerVenue, intent.Scope.Venue); ok && vc.MaxAbsUSD > 0 &&
		venueAbs.GreaterThan(decimal.NewFromFloat(vc.MaxAbsUSD)) {
		return ReasonExposureVenue
	}

	if sc, ok := lookupCap(cfg.PerSymbol, intent.Scope.Symbol); ok && sc.MaxAbsUSD > 0 &&
		symbolAbs.GreaterThan(decimal.NewFromFloat(sc.MaxAbsUSD)) {
		return ReasonExposureSymbol
	}

	return ""
}

func lookupCap(m map[string]config.ExposureCap, key string) (config.ExposureCap, bool) {
	if c, ok := m[key]; ok {
		return c, true
	}
	for k, c := range m {
		if strings.EqualFold(k, key) {
			return c, true
		}
	}
	return config.ExposureCap{}, false
}
