// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig               `yaml:"app"`
	Venues    map[string]VenueConfig  `yaml:"venues"`
	Risk      RiskConfig              `yaml:"risk"`
	Guards    GuardsConfig            `yaml:"guards"`
	Watchdog  WatchdogConfig          `yaml:"watchdog"`
	Recon     ReconConfig             `yaml:"recon"`
	Execution ExecutionConfig         `yaml:"execution"`
	Exposure  ExposureConfig          `yaml:"exposure_caps"`
	Health    HealthConfig            `yaml:"health"`
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
	System    SystemConfig            `yaml:"system"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Profile      string   `yaml:"profile"` // paper, testnet, live, canary
	Account      string   `yaml:"account"`
	ActiveVenues []string `yaml:"active_venues"`
	LedgerPath   string   `yaml:"ledger_path"`
	JournalPath  string   `yaml:"journal_path"`
	SnapshotPath string   `yaml:"snapshot_path"`
	AllowAutofix bool     `yaml:"allow_autofix"` // floor-round qty/price to venue increments
	ClosuresOnly bool     `yaml:"closures_only"` // profile admits reduce-only orders exclusively
}

// VenueConfig contains venue-specific configuration
type VenueConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	BaseURL    string `yaml:"base_url"`
	WSBaseURL  string `yaml:"ws_base_url"`
	BookRules  string `yaml:"book_rules"` // binance or okx diff semantics
}

// RiskConfig contains risk governor and notional limit settings
type RiskConfig struct {
	NotionalCaps NotionalCapsConfig `yaml:"notional_caps"`
	Governor     GovernorConfig     `yaml:"governor"`
	DailyLossCap float64            `yaml:"daily_loss_cap_usd"`
	Canary       CanaryConfig       `yaml:"canary"`
}

// NotionalCapsConfig bounds notional exposure per order, symbol and globally.
type NotionalCapsConfig struct {
	PerOrderUSD  float64 `yaml:"per_order_usd"`
	PerSymbolUSD float64 `yaml:"per_symbol_usd"`
	PerVenueUSD  float64 `yaml:"per_venue_usd"`
	TotalUSD     float64 `yaml:"total_usd"`
}

// GovernorConfig tunes the sliding-window risk governor.
type GovernorConfig struct {
	WindowSec         int     `yaml:"window_sec"`
	MinSuccessRate    float64 `yaml:"min_success_rate"`
	MaxOrderErrorRate float64 `yaml:"max_order_error_rate"`
	MinBrokerState    string  `yaml:"min_broker_state"` // OK, DEGRADED
	HoldAfterWindows  int     `yaml:"hold_after_windows"`
}

// CanaryConfig bounds the canary profile.
type CanaryConfig struct {
	MaxOrderNotionalUSD float64 `yaml:"max_order_notional_usd"`
	MaxDailyOrders      int     `yaml:"max_daily_orders"`
}

// GuardsConfig contains rate limits and kill caps.
type GuardsConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	KillCaps  KillCapsConfig  `yaml:"kill_caps"`
}

// RateLimitConfig bounds router throughput.
type RateLimitConfig struct {
	PlacePerMin  int `yaml:"place_per_min"`
	CancelPerMin int `yaml:"cancel_per_min"`
}

// KillCapsConfig controls hard-stop behaviour on cap breach.
type KillCapsConfig struct {
	Enabled         bool `yaml:"enabled"`
	FlattenOnBreach bool `yaml:"flatten_on_breach"`
}

// WatchdogConfig tunes venue health classification.
type WatchdogConfig struct {
	Thresholds         WatchdogThresholds `yaml:"thresholds"`
	ErrorBudgetWindowS int                `yaml:"error_budget_window_s"`
	AutoHoldOnDown     bool               `yaml:"auto_hold_on_down"`
	BlockOnDown        bool               `yaml:"block_on_down"`
}

// Threshold carries a degraded and a down level for one metric.
type Threshold struct {
	Degraded float64 `yaml:"degraded"`
	Down     float64 `yaml:"down"`
}

// WatchdogThresholds holds the per-metric thresholds.
type WatchdogThresholds struct {
	WSLagMsP95       Threshold `yaml:"ws_lag_ms_p95"`
	WSDisconnectsMin Threshold `yaml:"ws_disconnects_per_min"`
	Rest5xxRate      Threshold `yaml:"rest_5xx_rate"`
	RestTimeoutsRate Threshold `yaml:"rest_timeouts_rate"`
	OrderRejectRate  Threshold `yaml:"order_reject_rate"`
}

// ReconConfig tunes the ledger-vs-exchange reconciler.
type ReconConfig struct {
	Enabled             bool    `yaml:"enabled"`
	IntervalSec         int     `yaml:"interval_sec"`
	WarnNotionalUSD     float64 `yaml:"warn_notional_usd"`
	CriticalNotionalUSD float64 `yaml:"critical_notional_usd"`
	ClearAfterOKRuns    int     `yaml:"clear_after_ok_runs"`
	PositionEps         float64 `yaml:"position_eps"`
	BalanceEps          float64 `yaml:"balance_eps"`
}

// ExecutionConfig holds execution-side loops.
type ExecutionConfig struct {
	StuckResolver StuckResolverConfig `yaml:"stuck_resolver"`
}

// StuckResolverConfig tunes the stuck-order resolver.
type StuckResolverConfig struct {
	Enabled           bool      `yaml:"enabled"`
	PollIntervalMs    int       `yaml:"poll_interval_ms"`
	PendingTimeoutSec float64   `yaml:"pending_timeout_sec"`
	CancelGraceSec    float64   `yaml:"cancel_grace_sec"`
	MaxRetries        int       `yaml:"max_retries"`
	BackoffSec        []float64 `yaml:"backoff_sec"`
}

// ExposureCap bounds absolute notional exposure, optionally per side.
type ExposureCap struct {
	MaxAbsUSD     float64            `yaml:"max_abs_usdt"`
	PerSideMaxUSD map[string]float64 `yaml:"per_side_max_abs_usdt"` // keys LONG, SHORT
}

// ExposureConfig holds default plus per-symbol and per-venue caps.
type ExposureConfig struct {
	Default   ExposureCap            `yaml:"default"`
	PerSymbol map[string]ExposureCap `yaml:"per_symbol"`
	PerVenue  map[string]ExposureCap `yaml:"per_venue"`
}

// HealthConfig tunes the account health guard.
type HealthConfig struct {
	GuardEnabled              bool    `yaml:"guard_enabled"`
	MarginRatioWarn           float64 `yaml:"margin_ratio_warn"`
	MarginRatioCritical       float64 `yaml:"margin_ratio_critical"`
	FreeCollateralWarnUSD     float64 `yaml:"free_collateral_warn_usd"`
	FreeCollateralCriticalUSD float64 `yaml:"free_collateral_critical_usd"`
	HysteresisOKWindows       int     `yaml:"hysteresis_ok_windows"`
}

// TradeWindow is an allowed trading window for a symbol.
type TradeWindow struct {
	Start string `yaml:"start"` // HH:MM
	End   string `yaml:"end"`
	TZ    string `yaml:"tz"`
}

// SymbolConfig holds per-symbol trading restrictions.
type SymbolConfig struct {
	TradeWindows []TradeWindow `yaml:"trade_windows"`
}

// MaintenanceWindow is a global block window with its own reason label.
type MaintenanceWindow struct {
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	TZ     string `yaml:"tz"`
	Reason string `yaml:"reason"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel           string              `yaml:"log_level"`
	BrokerTimeoutSec   int                 `yaml:"broker_timeout_sec"`
	MaintenanceWindows []MaintenanceWindow `yaml:"maintenance_windows"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Risk.Governor.WindowSec == 0 {
		c.Risk.Governor.WindowSec = 3600
	}
	if c.Risk.Governor.HoldAfterWindows == 0 {
		c.Risk.Governor.HoldAfterWindows = 3
	}
	if c.Watchdog.ErrorBudgetWindowS == 0 {
		c.Watchdog.ErrorBudgetWindowS = 600
	}
	if c.Recon.IntervalSec == 0 {
		c.Recon.IntervalSec = 15
	}
	if c.Recon.ClearAfterOKRuns == 0 {
		c.Recon.ClearAfterOKRuns = 3
	}
	if c.Execution.StuckResolver.PollIntervalMs == 0 {
		c.Execution.StuckResolver.PollIntervalMs = 500
	}
	if c.Execution.StuckResolver.PendingTimeoutSec == 0 {
		c.Execution.StuckResolver.PendingTimeoutSec = 8
	}
	if c.Execution.StuckResolver.CancelGraceSec == 0 {
		c.Execution.StuckResolver.CancelGraceSec = 1
	}
	if c.Execution.StuckResolver.MaxRetries == 0 {
		c.Execution.StuckResolver.MaxRetries = 3
	}
	if len(c.Execution.StuckResolver.BackoffSec) == 0 {
		c.Execution.StuckResolver.BackoffSec = []float64{1, 2, 5}
	}
	if c.System.BrokerTimeoutSec == 0 {
		c.System.BrokerTimeoutSec = 10
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateWatchdogConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateResolverConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validProfiles := []string{"paper", "testnet", "live", "canary"}
	if !contains(validProfiles, c.App.Profile) {
		return ValidationError{
			Field:   "app.profile",
			Value:   c.App.Profile,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validProfiles, ", ")),
		}
	}

	if len(c.App.ActiveVenues) == 0 {
		return ValidationError{
			Field:   "app.active_venues",
			Message: "at least one venue must be active",
		}
	}

	for _, venue := range c.App.ActiveVenues {
		if _, exists := c.Venues[venue]; !exists {
			return ValidationError{
				Field:   "app.active_venues",
				Value:   venue,
				Message: "venue configuration not found in venues section",
			}
		}
	}

	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}

	validRules := []string{"", "binance", "okx"}
	for name, venue := range c.Venues {
		if !contains(validRules, venue.BookRules) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.book_rules", name),
				Value:   venue.BookRules,
				Message: "must be binance or okx",
			}
		}

		// Paper profile trades against the in-process broker, no keys needed.
		if c.App.Profile == "paper" {
			continue
		}

		if venue.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if venue.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateRiskConfig() error {
	g := c.Risk.Governor
	if g.MinSuccessRate < 0 || g.MinSuccessRate > 1 {
		return ValidationError{
			Field:   "risk.governor.min_success_rate",
			Value:   g.MinSuccessRate,
			Message: "must be between 0 and 1",
		}
	}
	if g.MaxOrderErrorRate < 0 || g.MaxOrderErrorRate > 1 {
		return ValidationError{
			Field:   "risk.governor.max_order_error_rate",
			Value:   g.MaxOrderErrorRate,
			Message: "must be between 0 and 1",
		}
	}
	validStates := []string{"", "OK", "DEGRADED", "DOWN"}
	if !contains(validStates, g.MinBrokerState) {
		return ValidationError{
			Field:   "risk.governor.min_broker_state",
			Value:   g.MinBrokerState,
			Message: "must be one of: OK, DEGRADED, DOWN",
		}
	}
	return nil
}

func (c *Config) validateWatchdogConfig() error {
	t := c.Watchdog.Thresholds
	pairs := map[string]Threshold{
		"ws_lag_ms_p95":          t.WSLagMsP95,
		"ws_disconnects_per_min": t.WSDisconnectsMin,
		"rest_5xx_rate":          t.Rest5xxRate,
		"rest_timeouts_rate":     t.RestTimeoutsRate,
		"order_reject_rate":      t.OrderRejectRate,
	}
	for name, th := range pairs {
		if th.Down != 0 && th.Degraded > th.Down {
			return ValidationError{
				Field:   fmt.Sprintf("watchdog.thresholds.%s", name),
				Value:   th.Degraded,
				Message: "degraded threshold must not exceed down threshold",
			}
		}
	}
	return nil
}

func (c *Config) validateResolverConfig() error {
	r := c.Execution.StuckResolver
	if r.MaxRetries < 0 || r.MaxRetries > 100 {
		return ValidationError{
			Field:   "execution.stuck_resolver.max_retries",
			Value:   r.MaxRetries,
			Message: "must be between 0 and 100",
		}
	}
	for i, b := range r.BackoffSec {
		if b <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("execution.stuck_resolver.backoff_sec[%d]", i),
				Value:   b,
				Message: "backoff must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, venue := range c.Venues {
		venue.APIKey = maskString(venue.APIKey)
		venue.SecretKey = maskString(venue.SecretKey)
		venue.Passphrase = maskString(venue.Passphrase)
		configCopy.Venues[name] = venue
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Profile:      "paper",
			Account:      "main",
			ActiveVenues: []string{"binance"},
			LedgerPath:   "propbot.db",
			JournalPath:  "outbox.jsonl",
			SnapshotPath: "runtime.json",
			AllowAutofix: true,
		},
		Venues: map[string]VenueConfig{
			"binance": {
				BookRules: "binance",
			},
		},
		Risk: RiskConfig{
			NotionalCaps: NotionalCapsConfig{
				PerOrderUSD:  50_000,
				PerSymbolUSD: 150_000,
				PerVenueUSD:  300_000,
				TotalUSD:     500_000,
			},
			Governor: GovernorConfig{
				WindowSec:         3600,
				MinSuccessRate:    0.80,
				MaxOrderErrorRate: 0.20,
				MinBrokerState:    "DEGRADED",
				HoldAfterWindows:  3,
			},
			DailyLossCap: 25_000,
			Canary: CanaryConfig{
				MaxOrderNotionalUSD: 1_000,
				MaxDailyOrders:      50,
			},
		},
		Guards: GuardsConfig{
			RateLimit: RateLimitConfig{
				PlacePerMin:  300,
				CancelPerMin: 600,
			},
		},
		Watchdog: WatchdogConfig{
			Thresholds: WatchdogThresholds{
				WSLagMsP95:       Threshold{Degraded: 1500, Down: 5000},
				WSDisconnectsMin: Threshold{Degraded: 3, Down: 10},
				Rest5xxRate:      Threshold{Degraded: 0.05, Down: 0.25},
				RestTimeoutsRate: Threshold{Degraded: 0.05, Down: 0.25},
				OrderRejectRate:  Threshold{Degraded: 0.10, Down: 0.50},
			},
			ErrorBudgetWindowS: 600,
			AutoHoldOnDown:     true,
			BlockOnDown:        true,
		},
		Recon: ReconConfig{
			Enabled:             true,
			IntervalSec:         15,
			WarnNotionalUSD:     5_000,
			CriticalNotionalUSD: 25_000,
			ClearAfterOKRuns:    3,
			PositionEps:         1e-6,
			BalanceEps:          1e-6,
		},
		Execution: ExecutionConfig{
			StuckResolver: StuckResolverConfig{
				Enabled:           true,
				PollIntervalMs:    500,
				PendingTimeoutSec: 8,
				CancelGraceSec:    1,
				MaxRetries:        3,
				BackoffSec:        []float64{1, 2, 5},
			},
		},
		Exposure: ExposureConfig{
			Default: ExposureCap{
				MaxAbsUSD: 200_000,
				PerSideMaxUSD: map[string]float64{
					"LONG":  150_000,
					"SHORT": 150_000,
				},
			},
		},
		System: SystemConfig{
			LogLevel:         "INFO",
			BrokerTimeoutSec: 10,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9190,
			EnableMetrics: true,
		},
	}
}
