package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dennicka/propbot-sub002/internal/config"
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

type stubBrokerState struct {
	state  core.BrokerState
	reason string
}

func (s *stubBrokerState) State(venue string) (core.BrokerState, string) {
	return s.state, s.reason
}

func governorConfig() config.GovernorConfig {
	return config.GovernorConfig{
		WindowSec:         3600,
		MinSuccessRate:    0.80,
		MaxOrderErrorRate: 0.20,
		MinBrokerState:    "DEGRADED",
		HoldAfterWindows:  3,
	}
}

func TestGovernor_CleanWindowNotThrottled(t *testing.T) {
	g := NewGovernor(governorConfig(), nil, &mockLogger{})
	for i := 0; i < 10; i++ {
		g.RecordOrderSuccess()
	}
	d := g.Compute("binance")
	assert.False(t, d.Throttled)
	assert.Equal(t, 1.0, d.SuccessRate)
}

func TestGovernor_LowSuccessRate(t *testing.T) {
	g := NewGovernor(governorConfig(), nil, &mockLogger{})
	for i := 0; i < 7; i++ {
		g.RecordOrderSuccess()
	}
	for i := 0; i < 3; i++ {
		g.RecordOrderError("timeout")
	}
	d := g.Compute("binance")
	assert.True(t, d.Throttled)
	assert.Equal(t, ReasonLowSuccessRate, d.Reason)
	assert.InDelta(t, 0.7, d.SuccessRate, 1e-9)
}

func TestGovernor_BrokerStateRule(t *testing.T) {
	brokers := &stubBrokerState{state: core.BrokerDown, reason: "ws_disconnects"}
	g := NewGovernor(governorConfig(), brokers, &mockLogger{})
	g.RecordOrderSuccess()

	d := g.Compute("binance")
	assert.True(t, d.Throttled)
	assert.Equal(t, "BROKER_DEGRADED:ws_disconnects", d.Reason)

	// DEGRADED is the configured floor, so DEGRADED itself passes.
	brokers.state = core.BrokerDegraded
	d = g.Compute("binance")
	assert.False(t, d.Throttled)
}

func TestGovernor_AutoHoldOncePerRun(t *testing.T) {
	g := NewGovernor(governorConfig(), nil, &mockLogger{})
	for i := 0; i < 10; i++ {
		g.RecordOrderError("reject")
	}

	var holds []string
	for i := 0; i < 6; i++ {
		d := g.Compute("binance")
		require.True(t, d.Throttled)
		if d.AutoHoldReason != "" {
			holds = append(holds, d.AutoHoldReason)
		}
	}
	require.Len(t, holds, 1, "auto-hold must fire exactly once per throttled run")
	assert.Equal(t, "RISK::"+ReasonLowSuccessRate, holds[0])
}

func TestGovernor_WindowPruning(t *testing.T) {
	g := NewGovernor(governorConfig(), nil, &mockLogger{})
	now := time.Now()
	g.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		g.RecordOrderError("reject")
	}
	require.True(t, g.Compute("binance").Throttled)

	// Old errors age out of the window.
	now = now.Add(2 * time.Hour)
	g.RecordOrderSuccess()
	d := g.Compute("binance")
	assert.False(t, d.Throttled)
	assert.Equal(t, 1, d.Total)
}

func TestFreezeRegistry_Scopes(t *testing.T) {
	r := NewFreezeRegistry(&mockLogger{})

	r.Apply(FreezeRule{Reason: "OPS::symbol", Scope: ScopeSymbol, Target: "btcusdt", Venue: "binance"})
	frozen, reason := r.IsFrozen("", "binance", "BTCUSDT")
	assert.True(t, frozen)
	assert.Equal(t, "OPS::symbol", reason)

	// Symbol rule with venue restriction does not match other venues.
	frozen, _ = r.IsFrozen("", "okx", "BTCUSDT")
	assert.False(t, frozen)

	r.Apply(FreezeRule{Reason: "OPS::venue", Scope: ScopeVenue, Target: "binance"})
	frozen, _ = r.IsFrozen("", "BINANCE-futures", "ETHUSDT")
	assert.True(t, frozen, "venue rule matches venue prefix with dash")
	frozen, _ = r.IsFrozen("", "binancex", "ETHUSDT")
	assert.False(t, frozen, "no prefix match without dash")

	r.Apply(FreezeRule{Reason: "OPS::strategy", Scope: ScopeStrategy, Target: "Grid"})
	frozen, _ = r.IsFrozen("grid", "okx", "ETHUSDT")
	assert.True(t, frozen)
	frozen, _ = r.IsFrozen("mm::grid", "okx", "ETHUSDT")
	assert.True(t, frozen, "suffix after :: matches")
	frozen, _ = r.IsFrozen("tag strategy=grid run=7", "okx", "ETHUSDT")
	assert.True(t, frozen, "strategy= tag matches")

	r.Apply(FreezeRule{Reason: "RISK::all", Scope: ScopeGlobal})
	frozen, _ = r.IsFrozen("anything", "anywhere", "ANY")
	assert.True(t, frozen)
}

func TestFreezeRegistry_ClearByPrefix(t *testing.T) {
	r := NewFreezeRegistry(&mockLogger{})
	r.Apply(FreezeRule{Reason: "RISK::a", Scope: ScopeGlobal})
	r.Apply(FreezeRule{Reason: "RISK::b", Scope: ScopeGlobal})
	r.Apply(FreezeRule{Reason: "OPS::c", Scope: ScopeGlobal})

	assert.Equal(t, 2, r.Clear("RISK::"))
	frozen, reason := r.IsFrozen("", "", "")
	assert.True(t, frozen)
	assert.Equal(t, "OPS::c", reason)

	assert.Equal(t, 1, r.Clear(""))
	frozen, _ = r.IsFrozen("", "", "")
	assert.False(t, frozen)
}

func TestFreezeRegistry_UpsertMonotonicTs(t *testing.T) {
	r := NewFreezeRegistry(&mockLogger{})
	later := time.Now().Add(time.Hour)
	r.Apply(FreezeRule{Reason: "OPS::x", Scope: ScopeGlobal, Ts: later})
	r.Apply(FreezeRule{Reason: "OPS::x", Scope: ScopeVenue, Target: "binance"})

	rules := r.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, ScopeVenue, rules[0].Scope, "upsert replaces the rule body")
	assert.True(t, rules[0].Ts.Equal(later), "ts never moves backwards")
}
