// Package mock provides a deterministic in-memory broker for the paper
// profile and for exercising the execution pipeline without a venue.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

// Broker is an in-memory venue. It deduplicates creates by IdempKey exactly
// like an exchange deduplicates by client order id, and cancels idempotently.
type Broker struct {
	mu sync.Mutex

	venue     string
	nextID    int
	byClient  map[string]*core.BrokerOrder
	byID      map[string]*core.BrokerOrder
	positions map[string]*core.Position // by symbol
	balances  map[string]*core.Balance  // by asset
	marks     map[string]decimal.Decimal
	specs     map[string]*core.SymbolSpecs

	logger core.ILogger
}

// NewBroker creates a paper broker for one venue.
func NewBroker(venue string, logger core.ILogger) *Broker {
	return &Broker{
		venue:     venue,
		byClient:  make(map[string]*core.BrokerOrder),
		byID:      make(map[string]*core.BrokerOrder),
		positions: make(map[string]*core.Position),
		balances:  make(map[string]*core.Balance),
		marks:     make(map[string]decimal.Decimal),
		specs:     make(map[string]*core.SymbolSpecs),
		logger:    logger.WithField("component", "paper_broker").WithField("venue", venue),
	}
}

// SetMarkPrice seeds the mark for a symbol.
func (b *Broker) SetMarkPrice(symbol string, px decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = px
}

// SetSymbolSpecs seeds the quantisation rules for a symbol.
func (b *Broker) SetSymbolSpecs(symbol string, specs *core.SymbolSpecs) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs[symbol] = specs
}

// SetBalance seeds an asset balance.
func (b *Broker) SetBalance(asset string, total decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[asset] = &core.Balance{Venue: b.venue, Asset: asset, Total: total}
}

// CreateOrder accepts an order. A repeated IdempKey returns the stored order
// without side effects.
func (b *Broker) CreateOrder(ctx context.Context, req *core.CreateOrderRequest) (*core.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.byClient[req.IdempKey]; ok {
		return cloneOrder(o), nil
	}

	b.nextID++
	o := &core.BrokerOrder{
		BrokerOrderID: fmt.Sprintf("%s-%06d", b.venue, b.nextID),
		ClientOrderID: req.IdempKey,
		Venue:         b.venue,
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         core.StateAcked,
		Qty:           req.Qty,
		Price:         req.Price,
	}
	b.byClient[req.IdempKey] = o
	b.byID[o.BrokerOrderID] = o
	b.logger.Debug("Paper order accepted",
		"broker_order_id", o.BrokerOrderID, "symbol", req.Symbol, "side", req.Side,
		"qty", req.Qty, "price", req.Price)
	return cloneOrder(o), nil
}

// Cancel is idempotent: canceling an unknown or already-canceled order is not
// an error.
func (b *Broker) Cancel(ctx context.Context, venue, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[orderID]
	if !ok || o.State.IsTerminal() {
		return nil
	}
	o.State = core.StateCanceled
	return nil
}

// GetOrderByClientID returns nil when the order is unknown.
func (b *Broker) GetOrderByClientID(ctx context.Context, clientID string) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byClient[clientID]
	if !ok {
		return nil, nil
	}
	return cloneOrder(o), nil
}

// OpenOrders lists non-terminal orders.
func (b *Broker) OpenOrders(ctx context.Context) ([]*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*core.BrokerOrder
	for _, o := range b.byID {
		if !o.State.IsTerminal() {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

// Positions lists non-flat positions.
func (b *Broker) Positions(ctx context.Context) ([]*core.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*core.Position
	for _, p := range b.positions {
		if !p.NetQty.IsZero() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Balances lists seeded balances.
func (b *Broker) Balances(ctx context.Context) ([]*core.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*core.Balance
	for _, bal := range b.balances {
		cp := *bal
		out = append(out, &cp)
	}
	return out, nil
}

// GetMarkPrice returns the seeded mark, or the error a venue would give for an
// unknown symbol.
func (b *Broker) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	px, ok := b.marks[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mark price for symbol %s", symbol)
	}
	return px, nil
}

// GetSymbolSpecs returns the seeded specs, falling back to permissive defaults
// so the paper profile works without per-symbol setup.
func (b *Broker) GetSymbolSpecs(ctx context.Context, symbol string) (*core.SymbolSpecs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.specs[symbol]; ok {
		cp := *s
		return &cp, nil
	}
	return &core.SymbolSpecs{
		TickSize:    decimal.New(1, -2), // 0.01
		StepSize:    decimal.New(1, -3), // 0.001
		MinQty:      decimal.New(1, -3),
		MinNotional: decimal.NewFromInt(10),
		ReduceOnly:  true,
	}, nil
}

// Fill executes qty of an open order at price and updates the broker-side
// position, returning the fill the venue would stream back.
func (b *Broker) Fill(orderID string, qty, price decimal.Decimal) (*core.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	if o.State.IsTerminal() {
		return nil, fmt.Errorf("order %s already %s", orderID, o.State)
	}

	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.State = core.StateFilled
	} else {
		o.State = core.StatePartial
	}

	signed := qty
	if o.Side == core.SideSell {
		signed = signed.Neg()
	}
	p, ok := b.positions[o.Symbol]
	if !ok {
		p = &core.Position{Venue: b.venue, Symbol: o.Symbol}
		b.positions[o.Symbol] = p
	}
	p.NetQty = p.NetQty.Add(signed)
	p.VWAP = price

	return &core.Fill{OrderID: orderID, Qty: signed, Price: price}, nil
}

func cloneOrder(o *core.BrokerOrder) *core.BrokerOrder {
	cp := *o
	return &cp
}
