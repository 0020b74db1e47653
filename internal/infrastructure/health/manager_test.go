package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/safety"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestManager_StatusAndHealth(t *testing.T) {
	m := NewManager(&mockLogger{})
	m.Register("ledger", func() error { return nil })
	m.Register("stream", func() error { return errors.New("disconnected") })

	status := m.GetStatus()
	assert.Equal(t, "Healthy", status["ledger"])
	assert.Equal(t, "Unhealthy: disconnected", status["stream"])
	assert.False(t, m.IsHealthy())

	m.Register("stream", func() error { return nil })
	assert.True(t, m.IsHealthy())
}

func TestBuildReadiness(t *testing.T) {
	m := NewManager(nil)
	m.Register("ledger", func() error { return nil })

	sup := safety.NewSupervisor("", &mockLogger{})
	ready := m.BuildReadiness(sup.GetSnapshot())
	assert.True(t, ready.Ready)
	assert.Equal(t, safety.ModeRun, ready.Mode)

	sup.EngageSafetyHold("RECON_DIVERGENCE", "reconciler")
	ready = m.BuildReadiness(sup.GetSnapshot())
	assert.False(t, ready.Ready)
	assert.Equal(t, "RECON_DIVERGENCE", ready.HoldReason)

	sup.ApplyResume(false)
	m.Register("stream", func() error { return errors.New("down") })
	ready = m.BuildReadiness(sup.GetSnapshot())
	assert.False(t, ready.Ready, "unhealthy component blocks readiness")
}
