package gate

import (
	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

// Quantisation block reasons, stable strings surfaced in rejections.
const (
	ReasonQtyStep        = "qty_step"
	ReasonPriceTick      = "price_tick"
	ReasonQtyBelowStep   = "qty_below_step"
	ReasonPriceBelowTick = "price_below_tick"
	ReasonMinNotional    = "min_notional"
	ReasonMinQty         = "min_qty"
)

// QuantizeResult carries the (possibly autofixed) order values.
type QuantizeResult struct {
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Autofixed bool
}

// Quantize enforces the venue increments with exact decimal math. With
// allowAutofix, off-grid values are floor-rounded to the grid; otherwise any
// mismatch blocks with the specific reason. Minimum constraints are never
// autofixed: an order too small to trade is an error, not a rounding problem.
func Quantize(params core.OrderParams, specs *core.SymbolSpecs, mark decimal.Decimal, allowAutofix bool) (QuantizeResult, string) {
	res := QuantizeResult{Qty: params.Qty, Price: params.Price}

	if specs.StepSize.IsPositive() && !params.Qty.Mod(specs.StepSize).IsZero() {
		if !allowAutofix {
			return res, ReasonQtyStep
		}
		res.Qty = params.Qty.Div(specs.StepSize).Floor().Mul(specs.StepSize)
		res.Autofixed = true
		if res.Qty.IsZero() {
			return res, ReasonQtyBelowStep
		}
	}

	if params.Type == core.OrderTypeLimit && specs.TickSize.IsPositive() && !params.Price.Mod(specs.TickSize).IsZero() {
		if !allowAutofix {
			return res, ReasonPriceTick
		}
		res.Price = params.Price.Div(specs.TickSize).Floor().Mul(specs.TickSize)
		res.Autofixed = true
		if res.Price.IsZero() {
			return res, ReasonPriceBelowTick
		}
	}

	if specs.MinQty.IsPositive() && res.Qty.LessThan(specs.MinQty) {
		return res, ReasonMinQty
	}

	if specs.MinNotional.IsPositive() {
		px := res.Price
		if px.IsZero() {
			px = mark
		}
		if res.Qty.Mul(px).LessThan(specs.MinNotional) {
			return res, ReasonMinNotional
		}
	}

	return res, ""
}
