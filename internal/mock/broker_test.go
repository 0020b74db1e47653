package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createReq(idemp string) *core.CreateOrderRequest {
	return &core.CreateOrderRequest{
		Venue: "paper", Symbol: "BTCUSDT", Side: core.SideBuy,
		Type: core.OrderTypeLimit, Qty: d("1"), Price: d("50000"),
		IdempKey: idemp,
	}
}

func TestCreateOrder_DedupsByIdempKey(t *testing.T) {
	b := NewBroker("paper", &mockLogger{})
	ctx := context.Background()

	o1, err := b.CreateOrder(ctx, createReq("oi-1"))
	require.NoError(t, err)
	o2, err := b.CreateOrder(ctx, createReq("oi-1"))
	require.NoError(t, err)
	assert.Equal(t, o1.BrokerOrderID, o2.BrokerOrderID)

	open, err := b.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCancel_Idempotent(t *testing.T) {
	b := NewBroker("paper", &mockLogger{})
	ctx := context.Background()

	o, err := b.CreateOrder(ctx, createReq("oi-1"))
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, "paper", o.BrokerOrderID))
	require.NoError(t, b.Cancel(ctx, "paper", o.BrokerOrderID))
	require.NoError(t, b.Cancel(ctx, "paper", "unknown"))

	got, err := b.GetOrderByClientID(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateCanceled, got.State)
}

func TestGetOrderByClientID_UnknownIsNil(t *testing.T) {
	b := NewBroker("paper", &mockLogger{})
	got, err := b.GetOrderByClientID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFill_UpdatesOrderAndPosition(t *testing.T) {
	b := NewBroker("paper", &mockLogger{})
	ctx := context.Background()

	o, err := b.CreateOrder(ctx, createReq("oi-1"))
	require.NoError(t, err)

	fill, err := b.Fill(o.BrokerOrderID, d("0.4"), d("50000"))
	require.NoError(t, err)
	assert.True(t, fill.Qty.Equal(d("0.4")))

	got, err := b.GetOrderByClientID(ctx, "oi-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatePartial, got.State)

	_, err = b.Fill(o.BrokerOrderID, d("0.6"), d("50000"))
	require.NoError(t, err)
	got, _ = b.GetOrderByClientID(ctx, "oi-1")
	assert.Equal(t, core.StateFilled, got.State)

	positions, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].NetQty.Equal(d("1")))

	// Filled orders drop out of the open set and cannot fill again.
	open, err := b.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	_, err = b.Fill(o.BrokerOrderID, d("0.1"), d("50000"))
	assert.Error(t, err)
}

func TestMarkAndSpecs(t *testing.T) {
	b := NewBroker("paper", &mockLogger{})
	ctx := context.Background()

	_, err := b.GetMarkPrice(ctx, "BTCUSDT")
	assert.Error(t, err, "unseeded mark is an error like a real venue 404")

	b.SetMarkPrice("BTCUSDT", d("50000"))
	px, err := b.GetMarkPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, px.Equal(d("50000")))

	specs, err := b.GetSymbolSpecs(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, specs.StepSize.IsPositive(), "default specs for unseeded symbols")
}
