// Package core defines the shared domain types and interfaces of the execution core
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls order lifetime on the venue.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderState is the lifecycle state of an OrderIntent.
type OrderState string

const (
	StateNew      OrderState = "NEW"
	StatePending  OrderState = "PENDING"
	StateSent     OrderState = "SENT"
	StateAcked    OrderState = "ACKED"
	StatePartial  OrderState = "PARTIAL"
	StateFilled   OrderState = "FILLED"
	StateCanceled OrderState = "CANCELED"
	StateRejected OrderState = "REJECTED"
	StateExpired  OrderState = "EXPIRED"
	StateReplaced OrderState = "REPLACED"
)

// IsTerminal reports whether the state is a sink.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired, StateReplaced:
		return true
	}
	return false
}

// CancelState is the lifecycle state of a CancelIntent.
type CancelState string

const (
	CancelPending  CancelState = "PENDING"
	CancelSent     CancelState = "SENT"
	CancelAcked    CancelState = "ACKED"
	CancelRejected CancelState = "REJECTED"
)

// OrderScope identifies where an intent trades.
type OrderScope struct {
	Account  string
	Venue    string
	Symbol   string
	Side     Side
	Strategy string
}

// OrderParams are the business parameters of an intent.
type OrderParams struct {
	Type       OrderType
	TIF        TimeInForce
	Qty        decimal.Decimal
	Price      decimal.Decimal // zero for market orders
	ReduceOnly bool
}

// OrderIntent is the business-level order the caller wants executed. One intent may
// span several broker requests (retries, replaces); RequestID is the chain head.
type OrderIntent struct {
	IntentID  string
	RequestID string

	Scope  OrderScope
	Params OrderParams

	State         OrderState
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	BrokerOrderID string
	ReplacedBy    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Notional returns qty*price for limit orders, or qty*mark for market orders.
func (oi *OrderIntent) Notional(mark decimal.Decimal) decimal.Decimal {
	px := oi.Params.Price
	if px.IsZero() {
		px = mark
	}
	return oi.Params.Qty.Mul(px)
}

// CancelIntent mirrors OrderIntent for cancel requests. Unique by IntentID.
type CancelIntent struct {
	IntentID      string
	Account       string
	Venue         string
	BrokerOrderID string
	Reason        string
	State         CancelState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RequestRowState is the audit state of one request attempt.
type RequestRowState string

const (
	RequestActive     RequestRowState = "ACTIVE"
	RequestSuperseded RequestRowState = "SUPERSEDED"
	RequestCompleted  RequestRowState = "COMPLETED"
)

// RequestRow is the per-request audit row for an intent.
type RequestRow struct {
	IntentID     string
	RequestID    string
	State        RequestRowState
	SupersededBy string
	CreatedAt    time.Time
}

// Fill is one execution against a broker order. Append-only.
type Fill struct {
	OrderID     string
	Ts          time.Time
	Qty         decimal.Decimal // signed: positive buy, negative sell
	Price       decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Position is the derived (venue, symbol) view over fills.
type Position struct {
	Venue  string
	Symbol string
	NetQty decimal.Decimal
	VWAP   decimal.Decimal
}

// Balance is the (venue, asset) total.
type Balance struct {
	Venue string
	Asset string
	Total decimal.Decimal
}

// OrderRef is what router operations hand back to callers.
type OrderRef struct {
	IntentID      string
	RequestID     string
	BrokerOrderID string
	State         OrderState
}

// SymbolSpecs are the venue quantisation rules for one symbol.
type SymbolSpecs struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	MinQty      decimal.Decimal
	ReduceOnly  bool // venue supports a native reduce-only flag
}

// BrokerState is the watchdog classification of a venue.
type BrokerState int

const (
	BrokerOK BrokerState = iota
	BrokerDegraded
	BrokerDown
)

func (s BrokerState) String() string {
	switch s {
	case BrokerOK:
		return "OK"
	case BrokerDegraded:
		return "DEGRADED"
	case BrokerDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseBrokerState maps a config string to a BrokerState. Unknown input maps to OK
// so a typo in config never blocks trading harder than intended.
func ParseBrokerState(s string) BrokerState {
	switch s {
	case "DEGRADED":
		return BrokerDegraded
	case "DOWN":
		return BrokerDown
	default:
		return BrokerOK
	}
}

// Profile is the global trading profile.
type Profile string

const (
	ProfilePaper   Profile = "paper"
	ProfileTestnet Profile = "testnet"
	ProfileLive    Profile = "live"
	ProfileCanary  Profile = "canary"
)

// QtyTolerance is the absolute tolerance used when comparing filled quantities.
var QtyTolerance = decimal.New(1, -6)
