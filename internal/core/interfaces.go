package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// CreateOrderRequest is the broker-side order request. IdempKey carries our
// intent id so broker-side deduplication lines up with the ledger's.
type CreateOrderRequest struct {
	Venue      string
	Symbol     string
	Side       Side
	Type       OrderType
	TIF        TimeInForce
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Strategy   string
	IdempKey   string
	ReduceOnly bool
}

// BrokerOrder is the broker's view of an order.
type BrokerOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Venue         string
	Symbol        string
	Side          Side
	State         OrderState
	Qty           decimal.Decimal
	Price         decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// Broker is the downstream venue adapter used by the router and reconciler.
// Cancel must be idempotent; GetOrderByClientID returns nil when unknown.
type Broker interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*BrokerOrder, error)
	Cancel(ctx context.Context, venue, orderID string) error
	GetOrderByClientID(ctx context.Context, clientID string) (*BrokerOrder, error)
	OpenOrders(ctx context.Context) ([]*BrokerOrder, error)
	Positions(ctx context.Context) ([]*Position, error)
	Balances(ctx context.Context) ([]*Balance, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolSpecs(ctx context.Context, symbol string) (*SymbolSpecs, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
