// Package recon periodically compares the local ledger against exchange truth
// and escalates divergence to the safety supervisor.
package recon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/alert"
	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

// Severity of one divergence or a whole run. Ordered: OK < WARN < CRITICAL.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "WARN"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "OK"
}

// HoldReasonDivergence is the supervisor hold reason this package owns.
const HoldReasonDivergence = "RECON_DIVERGENCE"

// DiffKind classifies what diverged.
type DiffKind string

const (
	DiffPosition  DiffKind = "position"
	DiffBalance   DiffKind = "balance"
	DiffOpenOrder DiffKind = "open_order"
)

// Diff is one divergence between ledger and venue.
type Diff struct {
	Kind        DiffKind
	Venue       string
	Key         string // symbol, asset or broker order id
	Local       decimal.Decimal
	Remote      decimal.Decimal
	NotionalUSD decimal.Decimal
	Severity    Severity
	Detail      string
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RunID    string
	Ts       time.Time
	Severity Severity
	Diffs    []Diff
}

// LedgerSource is the local-truth surface the reconciler reads.
type LedgerSource interface {
	Positions(ctx context.Context) ([]*core.Position, error)
	Balances(ctx context.Context) ([]*core.Balance, error)
	InflightIntents(ctx context.Context) ([]*core.OrderIntent, error)
}

// SupervisorControl is the supervisor surface the reconciler drives.
type SupervisorControl interface {
	EngageSafetyHold(reason, source string)
	ApplyResume(safeMode bool)
	PreviousSafeMode() bool
	HoldActive() (bool, string)
}

// Alerter receives divergence incidents.
type Alerter interface {
	Emit(e alert.Event)
}

// VenueClient is the per-venue remote-truth surface.
type VenueClient interface {
	Positions(ctx context.Context) ([]*core.Position, error)
	Balances(ctx context.Context) ([]*core.Balance, error)
	OpenOrders(ctx context.Context) ([]*core.BrokerOrder, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Reconciler runs the compare loop.
type Reconciler struct {
	cfg        config.ReconConfig
	ledger     LedgerSource
	venues     map[string]VenueClient
	supervisor SupervisorControl
	alerts     Alerter // optional

	mu     sync.Mutex
	okRuns int
	last   *Report

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	logger core.ILogger
}

// New creates a reconciler over the given venue clients.
func New(cfg config.ReconConfig, ledger LedgerSource, venues map[string]VenueClient,
	supervisor SupervisorControl, logger core.ILogger) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		ledger:     ledger,
		venues:     venues,
		supervisor: supervisor,
		now:        time.Now,
		logger:     logger.WithField("component", "reconciler"),
	}
}

// SetAlerter wires the incident pipeline.
func (r *Reconciler) SetAlerter(a Alerter) { r.alerts = a }

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("Reconciler disabled")
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.runLoop()
	r.logger.Info("Reconciler started", "interval_sec", r.cfg.IntervalSec)
	return nil
}

// Stop halts the loop.
func (r *Reconciler) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("Timeout waiting for reconciler to stop")
	}
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Duration(r.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(r.ctx); err != nil {
				r.logger.Error("Reconciliation run failed", "error", err)
			}
		}
	}
}

// LastReport returns the most recent report, nil before the first run.
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunOnce executes one reconciliation cycle and applies the hold policy.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID: uuid.NewString(),
		Ts:    r.now(),
	}

	localPositions, err := r.ledger.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger positions: %w", err)
	}
	localBalances, err := r.ledger.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger balances: %w", err)
	}
	localOrders, err := r.ledger.InflightIntents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load inflight intents: %w", err)
	}

	for venue, client := range r.venues {
		diffs, err := r.compareVenue(ctx, venue, client, localPositions, localBalances, localOrders)
		if err != nil {
			r.logger.Error("Venue compare failed", "venue", venue, "error", err)
			continue
		}
		report.Diffs = append(report.Diffs, diffs...)
	}

	perVenue := map[string]decimal.Decimal{}
	for _, d := range report.Diffs {
		if d.Severity > report.Severity {
			report.Severity = d.Severity
		}
		if d.NotionalUSD.GreaterThan(perVenue[d.Venue]) {
			perVenue[d.Venue] = d.NotionalUSD
		}
	}
	for venue := range r.venues {
		usd, _ := perVenue[normalizeVenue(venue)].Float64()
		telemetry.GetGlobalMetrics().SetReconDivergence(venue, usd)
	}

	r.applyHoldPolicy(report)

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if report.Severity != SeverityOK {
		r.logger.Warn("Reconciliation divergence",
			"run_id", report.RunID, "severity", report.Severity.String(), "diffs", len(report.Diffs))
		if r.alerts != nil {
			sev := alert.SeverityWarn
			if report.Severity == SeverityCritical {
				sev = alert.SeverityCritical
			}
			r.alerts.Emit(alert.Event{
				Kind:     "recon_divergence",
				Severity: sev,
				Title:    "Ledger diverges from exchange state",
				Detail:   fmt.Sprintf("%d divergence(s), worst %s", len(report.Diffs), report.Severity),
				Tags:     []string{"recon"},
				Ctx:      map[string]string{"run_id": report.RunID},
			})
		}
	} else {
		r.logger.Debug("Reconciliation clean", "run_id", report.RunID)
	}
	return report, nil
}

// applyHoldPolicy engages HOLD on CRITICAL and releases it after
// clear_after_ok_runs consecutive clean runs, restoring the prior safe_mode.
func (r *Reconciler) applyHoldPolicy(report *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if report.Severity == SeverityCritical {
		r.okRuns = 0
		r.supervisor.EngageSafetyHold(HoldReasonDivergence, "reconciler")
		return
	}
	if report.Severity != SeverityOK {
		r.okRuns = 0
		return
	}

	held, reason := r.supervisor.HoldActive()
	if !held || reason != HoldReasonDivergence {
		r.okRuns = 0
		return
	}
	r.okRuns++
	if r.okRuns >= r.cfg.ClearAfterOKRuns {
		r.supervisor.ApplyResume(r.supervisor.PreviousSafeMode())
		r.okRuns = 0
		r.logger.Warn("Divergence cleared, hold released",
			"ok_runs", r.cfg.ClearAfterOKRuns, "run_id", report.RunID)
		if r.alerts != nil {
			r.alerts.Emit(alert.Event{
				Kind:     "recon_hold_released",
				Severity: alert.SeverityInfo,
				Title:    "Reconciliation hold released",
				Detail:   fmt.Sprintf("%d consecutive clean runs", r.cfg.ClearAfterOKRuns),
				Tags:     []string{"recon"},
				Ctx:      map[string]string{"run_id": report.RunID},
			})
		}
	}
}

func (r *Reconciler) compareVenue(ctx context.Context, venue string, client VenueClient,
	localPositions []*core.Position, localBalances []*core.Balance,
	localOrders []*core.OrderIntent) ([]Diff, error) {

	nv := normalizeVenue(venue)
	var diffs []Diff

	remotePositions, err := client.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote positions: %w", err)
	}
	diffs = append(diffs, r.comparePositions(ctx, nv, client, localPositions, remotePositions)...)

	remoteBalances, err := client.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote balances: %w", err)
	}
	diffs = append(diffs, r.compareBalances(ctx, nv, client, localBalances, remoteBalances)...)

	remoteOrders, err := client.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote open orders: %w", err)
	}
	diffs = append(diffs, r.compareOpenOrders(nv, localOrders, remoteOrders)...)

	return diffs, nil
}

func (r *Reconciler) comparePositions(ctx context.Context, venue string, client VenueClient,
	local, remote []*core.Position) []Diff {

	eps := decimal.NewFromFloat(r.cfg.PositionEps)

	localQty := map[string]decimal.Decimal{}
	localVWAP := map[string]decimal.Decimal{}
	for _, p := range local {
		if normalizeVenue(p.Venue) != venue {
			continue
		}
		sym := normalizeSymbol(p.Symbol)
		localQty[sym] = localQty[sym].Add(p.NetQty)
		localVWAP[sym] = p.VWAP
	}
	remoteQty := map[string]decimal.Decimal{}
	for _, p := range remote {
		sym := normalizeSymbol(p.Symbol)
		remoteQty[sym] = remoteQty[sym].Add(p.NetQty)
	}

	var diffs []Diff
	for sym := range union(localQty, remoteQty) {
		lq, lok := localQty[sym]
		rq, rok := remoteQty[sym]
		delta := lq.Sub(rq).Abs()
		if delta.LessThanOrEqual(eps) {
			continue
		}

		px, err := client.GetMarkPrice(ctx, sym)
		if err != nil || px.IsZero() {
			px = localVWAP[sym]
		}
		notional := delta.Mul(px).Abs()

		sev := SeverityWarn
		oneSided := (!lok || lq.IsZero()) != (!rok || rq.IsZero())
		switch {
		case (oneSided && delta.GreaterThanOrEqual(eps)) ||
			notional.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.CriticalNotionalUSD)):
			sev = SeverityCritical
		case notional.LessThan(decimal.NewFromFloat(r.cfg.WarnNotionalUSD)):
			// Two-sided drift below the warn notional is recorded but benign.
			sev = SeverityOK
		}
		diffs = append(diffs, Diff{
			Kind: DiffPosition, Venue: venue, Key: sym,
			Local: lq, Remote: rq, NotionalUSD: notional, Severity: sev,
			Detail: fmt.Sprintf("position qty delta %s", delta),
		})
	}
	return diffs
}

func (r *Reconciler) compareBalances(ctx context.Context, venue string, client VenueClient,
	local, remote []*core.Balance) []Diff {

	eps := decimal.NewFromFloat(r.cfg.BalanceEps)

	localTotal := map[string]decimal.Decimal{}
	for _, b := range local {
		if normalizeVenue(b.Venue) != venue {
			continue
		}
		localTotal[strings.ToUpper(b.Asset)] = b.Total
	}
	remoteTotal := map[string]decimal.Decimal{}
	for _, b := range remote {
		remoteTotal[strings.ToUpper(b.Asset)] = b.Total
	}

	var diffs []Diff
	for asset := range union(localTotal, remoteTotal) {
		lt, lok := localTotal[asset]
		rt, rok := remoteTotal[asset]
		delta := lt.Sub(rt).Abs()
		if delta.LessThanOrEqual(eps) {
			continue
		}
		notional := r.assetNotional(ctx, client, asset, delta)

		sev := SeverityWarn
		oneSided := (!lok || lt.IsZero()) != (!rok || rt.IsZero())
		if oneSided || notional.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.CriticalNotionalUSD)) {
			sev = SeverityCritical
		}
		diffs = append(diffs, Diff{
			Kind: DiffBalance, Venue: venue, Key: asset,
			Local: lt, Remote: rt, NotionalUSD: notional, Severity: sev,
			Detail: fmt.Sprintf("balance delta %s %s", delta, asset),
		})
	}
	return diffs
}

// assetNotional converts an asset-denominated delta to USD via the venue mark.
// Quote stablecoins pass through; anything without a resolvable mark is
// treated as already quote-denominated rather than silently dropped.
func (r *Reconciler) assetNotional(ctx context.Context, client VenueClient,
	asset string, delta decimal.Decimal) decimal.Decimal {

	switch asset {
	case "USD", "USDT", "USDC", "BUSD", "DAI":
		return delta
	}
	px, err := client.GetMarkPrice(ctx, asset+"USDT")
	if err != nil || px.IsZero() {
		return delta
	}
	return delta.Mul(px)
}

func (r *Reconciler) compareOpenOrders(venue string, local []*core.OrderIntent, remote []*core.BrokerOrder) []Diff {
	localByID := map[string]*core.OrderIntent{}
	for _, oi := range local {
		if normalizeVenue(oi.Scope.Venue) != venue || oi.BrokerOrderID == "" {
			continue
		}
		localByID[oi.BrokerOrderID] = oi
	}
	remoteByID := map[string]*core.BrokerOrder{}
	for _, o := range remote {
		remoteByID[o.BrokerOrderID] = o
	}

	var diffs []Diff
	for id, oi := range localByID {
		ro, ok := remoteByID[id]
		if !ok {
			notional := oi.RemainingQty.Mul(oi.Params.Price).Abs()
			diffs = append(diffs, Diff{
				Kind: DiffOpenOrder, Venue: venue, Key: id,
				Local: oi.RemainingQty, NotionalUSD: notional,
				Severity: r.notionalSeverity(notional),
				Detail:   "order open locally, unknown at venue",
			})
			continue
		}
		localRem := oi.RemainingQty
		remoteRem := ro.Qty.Sub(ro.FilledQty)
		if !localRem.Sub(remoteRem).Abs().LessThanOrEqual(decimal.NewFromFloat(r.cfg.PositionEps)) {
			notional := localRem.Sub(remoteRem).Mul(oi.Params.Price).Abs()
			sev := SeverityWarn
			if notional.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.CriticalNotionalUSD)) {
				sev = SeverityCritical
			}
			diffs = append(diffs, Diff{
				Kind: DiffOpenOrder, Venue: venue, Key: id,
				Local: localRem, Remote: remoteRem, NotionalUSD: notional, Severity: sev,
				Detail: "remaining size mismatch",
			})
		}
	}
	for _, ro := range remote {
		if _, ok := localByID[ro.BrokerOrderID]; ok {
			continue
		}
		notional := ro.Qty.Sub(ro.FilledQty).Mul(ro.Price).Abs()
		diffs = append(diffs, Diff{
			Kind: DiffOpenOrder, Venue: venue, Key: ro.BrokerOrderID,
			Remote: ro.Qty.Sub(ro.FilledQty), NotionalUSD: notional,
			Severity: r.notionalSeverity(notional),
			Detail:   "order open at venue, unknown locally",
		})
	}
	return diffs
}

func (r *Reconciler) notionalSeverity(notional decimal.Decimal) Severity {
	if notional.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.CriticalNotionalUSD)) {
		return SeverityCritical
	}
	return SeverityWarn
}

// normalizeVenue lowercases, keeping dashes: "Binance-Futures" -> "binance-futures".
func normalizeVenue(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

// normalizeSymbol uppercases and strips separators: "btc-usdt" -> "BTCUSDT".
func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "").Replace(s)
}

func union[V any](a, b map[string]V) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
