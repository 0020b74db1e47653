// Package safety holds the process-wide supervisor: the single RUN/HOLD state
// machine every guard reports into and the pre-trade gate reads from.
package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

// Mode is the runtime mode.
type Mode string

const (
	ModeRun  Mode = "RUN"
	ModeHold Mode = "HOLD"
)

// Snapshot is the readiness view consumed by the gate and health endpoints.
type Snapshot struct {
	Mode           Mode      `json:"mode"`
	SafeMode       bool      `json:"safe_mode"`
	HoldActive     bool      `json:"hold_active"`
	HoldReason     string    `json:"hold_reason,omitempty"`
	HoldSource     string    `json:"hold_source,omitempty"`
	HoldSince      time.Time `json:"hold_since,omitempty"`
	RiskThrottled  bool      `json:"risk_throttled"`
	ThrottleReason string    `json:"throttle_reason,omitempty"`
	PretradeBlocks int64     `json:"pretrade_blocks"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Supervisor is the process-wide safety state machine.
type Supervisor struct {
	mu sync.Mutex

	mode         Mode
	safeMode     bool
	prevSafeMode bool // safe_mode before the current hold engaged
	holdReason   string
	holdSource   string
	holdSince    time.Time

	riskThrottled  bool
	throttleReason string

	pretradeBlocks int64

	snapshotPath string
	now          func() time.Time
	logger       core.ILogger
}

// NewSupervisor creates a supervisor in RUN mode. snapshotPath may be empty to
// disable the runtime snapshot file.
func NewSupervisor(snapshotPath string, logger core.ILogger) *Supervisor {
	return &Supervisor{
		mode:         ModeRun,
		snapshotPath: snapshotPath,
		now:          time.Now,
		logger:       logger.WithField("component", "supervisor"),
	}
}

// EngageSafetyHold moves to HOLD. The first engage remembers the previous
// safe_mode; re-engaging while held only updates reason and source.
func (s *Supervisor) EngageSafetyHold(reason, source string) {
	s.mu.Lock()
	if s.mode != ModeHold {
		s.prevSafeMode = s.safeMode
		s.mode = ModeHold
		s.safeMode = true
		s.holdSince = s.now()
	}
	s.holdReason = reason
	s.holdSource = source
	s.mu.Unlock()

	s.logger.Error("Safety hold engaged", "reason", reason, "source", source)
	s.persistSnapshot()
}

// ApplyResume clears HOLD and sets safe_mode explicitly.
func (s *Supervisor) ApplyResume(safeMode bool) {
	s.mu.Lock()
	s.mode = ModeRun
	s.safeMode = safeMode
	s.holdReason = ""
	s.holdSource = ""
	s.holdSince = time.Time{}
	s.mu.Unlock()

	s.logger.Warn("Resume applied", "safe_mode", safeMode)
	s.persistSnapshot()
}

// PreviousSafeMode returns the safe_mode remembered when the current hold engaged.
func (s *Supervisor) PreviousSafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevSafeMode
}

// UpdateRiskThrottle records the governor's throttle flag. Informational only;
// the gate queries the governor directly for decisions.
func (s *Supervisor) UpdateRiskThrottle(active bool, reason, source string) {
	s.mu.Lock()
	changed := s.riskThrottled != active
	s.riskThrottled = active
	s.throttleReason = reason
	s.mu.Unlock()

	if changed {
		s.logger.Warn("Risk throttle updated", "active", active, "reason", reason, "source", source)
		s.persistSnapshot()
	}
}

// RecordPretradeBlock counts one gate rejection.
func (s *Supervisor) RecordPretradeBlock() {
	s.mu.Lock()
	s.pretradeBlocks++
	s.mu.Unlock()
}

// HoldActive reports whether a hold is engaged, and its reason.
func (s *Supervisor) HoldActive() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == ModeHold, s.holdReason
}

// HoldReason returns the current hold reason, empty when not held.
func (s *Supervisor) HoldReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdReason
}

// GetSnapshot returns the current readiness snapshot.
func (s *Supervisor) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Mode:           s.mode,
		SafeMode:       s.safeMode,
		HoldActive:     s.mode == ModeHold,
		HoldReason:     s.holdReason,
		HoldSource:     s.holdSource,
		HoldSince:      s.holdSince,
		RiskThrottled:  s.riskThrottled,
		ThrottleReason: s.throttleReason,
		PretradeBlocks: s.pretradeBlocks,
		UpdatedAt:      s.now(),
	}
}

// persistSnapshot writes the runtime snapshot with an atomic rename so readers
// never observe a torn file.
func (s *Supervisor) persistSnapshot() {
	if s.snapshotPath == "" {
		return
	}
	snap := s.GetSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Error("Snapshot marshal failed", "error", err)
		return
	}
	tmp := fmt.Sprintf("%s.tmp.%d", s.snapshotPath, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("Snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.logger.Error("Snapshot rename failed", "error", err)
	}
}
