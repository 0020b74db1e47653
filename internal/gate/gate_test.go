package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/risk"
	apperrors "github.com/Dennicka/propbot-sub002/pkg/errors"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type stubSupervisor struct {
	held       bool
	holdReason string
	engaged    []string
	blocks     int
}

func (s *stubSupervisor) HoldActive() (bool, string) { return s.held, s.holdReason }
func (s *stubSupervisor) EngageSafetyHold(reason, source string) {
	s.engaged = append(s.engaged, reason)
}
func (s *stubSupervisor) RecordPretradeBlock() { s.blocks++ }

type stubFreezes struct {
	frozen bool
	reason string
}

func (s *stubFreezes) IsFrozen(strategy, venue, symbol string) (bool, string) {
	return s.frozen, s.reason
}

type stubGovernor struct {
	decision risk.Decision
}

func (s *stubGovernor) Compute(venue string) risk.Decision { return s.decision }

type stubPositions struct {
	positions []*core.Position
	err       error
}

func (s *stubPositions) Positions(ctx context.Context) ([]*core.Position, error) {
	return s.positions, s.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testIntent() *core.OrderIntent {
	return &core.OrderIntent{
		IntentID:  "oi-0000018c9f2a4e10-a1b2c3d4e5f6a7b8c9d0",
		RequestID: "rq-0000018c9f2a4e11-b2c3d4e5f6a7b8c9d0e1",
		Scope: core.OrderScope{
			Account:  "main",
			Venue:    "binance",
			Symbol:   "BTCUSDT",
			Side:     core.SideBuy,
			Strategy: "mm-btc",
		},
		Params: core.OrderParams{
			Type:  core.OrderTypeLimit,
			TIF:   "GTC",
			Qty:   d("0.010"),
			Price: d("50000"),
		},
		State: core.StateNew,
	}
}

func testSpecs() *core.SymbolSpecs {
	return &core.SymbolSpecs{
		TickSize:    d("0.1"),
		StepSize:    d("0.001"),
		MinNotional: d("10"),
		MinQty:      d("0.001"),
		ReduceOnly:  true,
	}
}

func newTestGate(cfg *config.Config) (*Gate, *stubSupervisor, *stubFreezes, *stubGovernor, *stubPositions) {
	sup := &stubSupervisor{}
	frz := &stubFreezes{}
	gov := &stubGovernor{decision: risk.Decision{SuccessRate: 1}}
	pos := &stubPositions{}
	g := New(cfg, sup, frz, gov, pos, &mockLogger{})
	return g, sup, frz, gov, pos
}

func TestCheck_PassesCleanOrder(t *testing.T) {
	g, sup, _, _, _ := newTestGate(config.DefaultConfig())

	res, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	require.NoError(t, err)
	assert.True(t, res.Qty.Equal(d("0.010")))
	assert.True(t, res.Price.Equal(d("50000")))
	assert.False(t, res.Autofixed)
	assert.Zero(t, sup.blocks)
}

func TestCheck_ClosuresOnlyBlocksOpening(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.ClosuresOnly = true
	g, sup, _, _, pos := newTestGate(cfg)

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonProfileBlocksOpen, rej.Reason)
	assert.Equal(t, 1, sup.blocks)

	// A sell against a long position reduces and passes.
	pos.positions = []*core.Position{
		{Venue: "binance", Symbol: "BTCUSDT", NetQty: d("0.5"), VWAP: d("48000")},
	}
	intent := testIntent()
	intent.Scope.Side = core.SideSell
	_, err = g.Check(context.Background(), intent, testSpecs(), d("50000"))
	assert.NoError(t, err)
}

func TestCheck_SafeModeHold(t *testing.T) {
	g, sup, _, _, _ := newTestGate(config.DefaultConfig())
	sup.held = true
	sup.holdReason = "RECON_DIVERGENCE"

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var hold *apperrors.HoldActive
	require.ErrorAs(t, err, &hold)
	assert.Equal(t, "RECON_DIVERGENCE", hold.Reason)
	assert.Equal(t, 1, sup.blocks, "hold rejection counts as a pre-trade block")
}

func TestCheck_FreezeBlocksOpening(t *testing.T) {
	g, _, frz, _, pos := newTestGate(config.DefaultConfig())
	frz.frozen = true
	frz.reason = "manual freeze"

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonFrozenByRisk, rej.Reason)

	// Reduce-only against a live position bypasses the freeze.
	pos.positions = []*core.Position{
		{Venue: "binance", Symbol: "BTCUSDT", NetQty: d("0.5"), VWAP: d("48000")},
	}
	intent := testIntent()
	intent.Scope.Side = core.SideSell
	intent.Params.ReduceOnly = true
	_, err = g.Check(context.Background(), intent, testSpecs(), d("50000"))
	assert.NoError(t, err)

	// Reduce-only without a position does not bypass.
	pos.positions = nil
	_, err = g.Check(context.Background(), intent, testSpecs(), d("50000"))
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonFrozenByRisk, rej.Reason)
}

func TestCheck_GovernorThrottle(t *testing.T) {
	g, sup, _, gov, pos := newTestGate(config.DefaultConfig())
	gov.decision = risk.Decision{
		Throttled:   true,
		Reason:      risk.ReasonLowSuccessRate,
		SuccessRate: 0.5,
		ErrorRate:   0.5,
	}

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var throttled *apperrors.GateThrottled
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, risk.ReasonLowSuccessRate, throttled.Reason)
	assert.Equal(t, 1, sup.blocks)

	// Reducing orders pass through a throttle.
	pos.positions = []*core.Position{
		{Venue: "binance", Symbol: "BTCUSDT", NetQty: d("0.5"), VWAP: d("48000")},
	}
	intent := testIntent()
	intent.Scope.Side = core.SideSell
	_, err = g.Check(context.Background(), intent, testSpecs(), d("50000"))
	assert.NoError(t, err)
}

func TestCheck_GovernorAutoHoldForwarded(t *testing.T) {
	g, sup, _, gov, _ := newTestGate(config.DefaultConfig())
	gov.decision = risk.Decision{
		Throttled:      true,
		Reason:         risk.ReasonLowSuccessRate,
		AutoHoldReason: "RISK::LOW_SUCCESS_RATE",
	}

	_, _ = g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	require.Len(t, sup.engaged, 1)
	assert.Equal(t, "RISK::LOW_SUCCESS_RATE", sup.engaged[0])
}

func TestCheck_QuantizeAutofixOff(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.AllowAutofix = false
	g, _, _, _, _ := newTestGate(cfg)

	intent := testIntent()
	intent.Params.Price = d("50000.05") // off the 0.1 tick grid

	_, err := g.Check(context.Background(), intent, testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonPriceTick, rej.Reason)
}

func TestCheck_QuantizeAutofixOn(t *testing.T) {
	g, _, _, _, _ := newTestGate(config.DefaultConfig())

	intent := testIntent()
	intent.Params.Qty = d("0.0105")     // off the 0.001 step
	intent.Params.Price = d("50000.05") // off the 0.1 tick

	res, err := g.Check(context.Background(), intent, testSpecs(), d("50000"))
	require.NoError(t, err)
	assert.True(t, res.Autofixed)
	assert.True(t, res.Qty.Equal(d("0.010")), "got %s", res.Qty)
	assert.True(t, res.Price.Equal(d("50000.0")), "got %s", res.Price)
	// Original intent untouched.
	assert.True(t, intent.Params.Qty.Equal(d("0.0105")))
}

func TestCheck_MinNotional(t *testing.T) {
	g, _, _, _, _ := newTestGate(config.DefaultConfig())

	intent := testIntent()
	intent.Params.Qty = d("0.001")
	intent.Params.Price = d("5000") // 5 USD < min_notional 10

	_, err := g.Check(context.Background(), intent, testSpecs(), d("5000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMinNotional, rej.Reason)
}

func TestCheck_ReduceOnlyUnsupported(t *testing.T) {
	g, _, _, _, pos := newTestGate(config.DefaultConfig())
	pos.positions = []*core.Position{
		{Venue: "binance", Symbol: "BTCUSDT", NetQty: d("0.5"), VWAP: d("48000")},
	}

	specs := testSpecs()
	specs.ReduceOnly = false
	intent := testIntent()
	intent.Scope.Side = core.SideSell
	intent.Params.ReduceOnly = true

	_, err := g.Check(context.Background(), intent, specs, d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonReduceOnlyUnsup, rej.Reason)
}

func TestCheck_TradeWindows(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Symbols = map[string]config.SymbolConfig{
		"BTCUSDT": {
			TradeWindows: []config.TradeWindow{{Start: "09:00", End: "17:00", TZ: "UTC"}},
		},
	}
	g, _, _, _, _ := newTestGate(cfg)
	g.now = func() time.Time { return time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) }

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonOutsideTradeHours, rej.Reason)

	g.now = func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }
	_, err = g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	assert.NoError(t, err)
}

func TestCheck_MaintenanceWindowWrapsMidnight(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.System.MaintenanceWindows = []config.MaintenanceWindow{
		{Start: "23:30", End: "00:30", TZ: "UTC", Reason: "nightly_settlement"},
	}
	g, _, _, _, _ := newTestGate(cfg)
	g.now = func() time.Time { return time.Date(2025, 6, 3, 0, 10, 0, 0, time.UTC) }

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "nightly_settlement", rej.Reason)
}

func TestCheck_ExposureCaps(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Exposure.Default.MaxAbsUSD = 1_000
	g, _, _, _, _ := newTestGate(cfg)

	intent := testIntent()
	intent.Params.Qty = d("0.1") // 5000 USD > 1000 cap

	_, err := g.Check(context.Background(), intent, testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonExposureGlobal, rej.Reason)
}

func TestCheck_ExposureAllowsReducing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Exposure.Default.MaxAbsUSD = 1 // everything over cap
	g, _, _, _, pos := newTestGate(cfg)
	pos.positions = []*core.Position{
		{Venue: "binance", Symbol: "BTCUSDT", NetQty: d("1"), VWAP: d("48000")},
	}

	intent := testIntent()
	intent.Scope.Side = core.SideSell
	intent.Params.Qty = d("0.5")

	_, err := g.Check(context.Background(), intent, testSpecs(), d("50000"))
	assert.NoError(t, err)
}

func TestCheck_PerOrderNotionalCap(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Risk.NotionalCaps.PerOrderUSD = 100
	g, _, _, _, _ := newTestGate(cfg)

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000")) // 500 USD
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonPerOrderNotional, rej.Reason)
}

func TestCheck_DailyLossCap(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Risk.DailyLossCap = 1_000
	g, _, _, _, _ := newTestGate(cfg)
	g.SetDailyPnLSource(func() decimal.Decimal { return d("-1500") })

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonDailyLossCap, rej.Reason)
}

func TestCheck_CanaryLimits(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Profile = "canary"
	cfg.Risk.Canary.MaxOrderNotionalUSD = 600
	cfg.Risk.Canary.MaxDailyOrders = 2
	g, _, _, _, _ := newTestGate(cfg)

	// 500 USD order passes twice, third hits the daily counter.
	for i := 0; i < 2; i++ {
		_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
		require.NoError(t, err)
	}
	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	var rej *apperrors.PretradeRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonCanaryDailyOrders, rej.Reason)

	// Oversized canary order is blocked regardless of the counter.
	big := testIntent()
	big.Params.Qty = d("0.020") // 1000 USD
	_, err = g.Check(context.Background(), big, testSpecs(), d("50000"))
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonCanaryNotional, rej.Reason)
}

func TestCheck_PositionLoadFailure(t *testing.T) {
	g, _, _, _, pos := newTestGate(config.DefaultConfig())
	pos.err = errors.New("db locked")

	_, err := g.Check(context.Background(), testIntent(), testSpecs(), d("50000"))
	require.Error(t, err)
	var rej *apperrors.PretradeRejection
	assert.False(t, errors.As(err, &rej))
}
