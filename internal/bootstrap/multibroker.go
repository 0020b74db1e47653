package bootstrap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

// multiBroker fans a single core.Broker surface out to one adapter per venue.
// Venue-addressed calls dispatch directly; venue-less lookups probe the venues
// in a stable order.
type multiBroker struct {
	order   []string
	brokers map[string]core.Broker
}

func newMultiBroker(order []string, brokers map[string]core.Broker) *multiBroker {
	return &multiBroker{order: order, brokers: brokers}
}

func (m *multiBroker) venue(name string) (core.Broker, error) {
	b, ok := m.brokers[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}
	return b, nil
}

func (m *multiBroker) CreateOrder(ctx context.Context, req *core.CreateOrderRequest) (*core.BrokerOrder, error) {
	b, err := m.venue(req.Venue)
	if err != nil {
		return nil, err
	}
	return b.CreateOrder(ctx, req)
}

func (m *multiBroker) Cancel(ctx context.Context, venue, orderID string) error {
	b, err := m.venue(venue)
	if err != nil {
		return err
	}
	return b.Cancel(ctx, venue, orderID)
}

func (m *multiBroker) GetOrderByClientID(ctx context.Context, clientID string) (*core.BrokerOrder, error) {
	var lastErr error
	for _, name := range m.order {
		o, err := m.brokers[name].GetOrderByClientID(ctx, clientID)
		if err != nil {
			lastErr = err
			continue
		}
		if o != nil {
			return o, nil
		}
	}
	return nil, lastErr
}

func (m *multiBroker) OpenOrders(ctx context.Context) ([]*core.BrokerOrder, error) {
	var out []*core.BrokerOrder
	for _, name := range m.order {
		orders, err := m.brokers[name].OpenOrders(ctx)
		if err != nil {
			return nil, fmt.Errorf("open orders on %s: %w", name, err)
		}
		out = append(out, orders...)
	}
	return out, nil
}

func (m *multiBroker) Positions(ctx context.Context) ([]*core.Position, error) {
	var out []*core.Position
	for _, name := range m.order {
		positions, err := m.brokers[name].Positions(ctx)
		if err != nil {
			return nil, fmt.Errorf("positions on %s: %w", name, err)
		}
		out = append(out, positions...)
	}
	return out, nil
}

func (m *multiBroker) Balances(ctx context.Context) ([]*core.Balance, error) {
	var out []*core.Balance
	for _, name := range m.order {
		balances, err := m.brokers[name].Balances(ctx)
		if err != nil {
			return nil, fmt.Errorf("balances on %s: %w", name, err)
		}
		out = append(out, balances...)
	}
	return out, nil
}

func (m *multiBroker) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for _, name := range m.order {
		px, err := m.brokers[name].GetMarkPrice(ctx, symbol)
		if err == nil {
			return px, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no venue knows symbol %s", symbol)
	}
	return decimal.Zero, lastErr
}

func (m *multiBroker) GetSymbolSpecs(ctx context.Context, symbol string) (*core.SymbolSpecs, error) {
	var lastErr error
	for _, name := range m.order {
		specs, err := m.brokers[name].GetSymbolSpecs(ctx, symbol)
		if err == nil {
			return specs, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no venue knows symbol %s", symbol)
	}
	return nil, lastErr
}
