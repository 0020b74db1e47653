// Package bootstrap wires the component graph and owns the process lifecycle:
// ledger, journal replay, safety supervisor, watchdog, governor, pre-trade
// gate, router, book streams, reconciler, stuck resolver and the metrics
// server all come up and shut down here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Dennicka/propbot-sub002/internal/alert"
	"github.com/Dennicka/propbot-sub002/internal/book"
	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/internal/gate"
	"github.com/Dennicka/propbot-sub002/internal/infrastructure/health"
	"github.com/Dennicka/propbot-sub002/internal/infrastructure/metrics"
	"github.com/Dennicka/propbot-sub002/internal/ledger"
	"github.com/Dennicka/propbot-sub002/internal/mock"
	"github.com/Dennicka/propbot-sub002/internal/recon"
	"github.com/Dennicka/propbot-sub002/internal/resolver"
	"github.com/Dennicka/propbot-sub002/internal/risk"
	"github.com/Dennicka/propbot-sub002/internal/router"
	"github.com/Dennicka/propbot-sub002/internal/safety"
	"github.com/Dennicka/propbot-sub002/internal/stream"
	"github.com/Dennicka/propbot-sub002/internal/watchdog"
	pkghttp "github.com/Dennicka/propbot-sub002/pkg/http"
	"github.com/Dennicka/propbot-sub002/pkg/retry"
)

// Runner is a component with a managed lifecycle. Start must not block;
// long-lived work runs in the component's own goroutines.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}

// App holds the wired component graph.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	store    *ledger.Store
	journal  *ledger.Journal
	replayed map[string]ledger.Entry // open outbox entries found at boot

	supervisor *safety.Supervisor
	watchdog   *watchdog.Watchdog
	governor   *risk.Governor
	freezes    *risk.FreezeRegistry
	gate       *gate.Gate
	router     *router.Router
	alerts     *alert.Dispatcher

	broker  core.Broker
	brokers map[string]core.Broker
	paper   map[string]*mock.Broker // populated on the paper profile

	books   *book.Store
	streams []*stream.Stream

	recon    *recon.Reconciler // nil when disabled
	resolver *resolver.Resolver

	healthMgr  *health.Manager
	metricsSrv *metrics.Server // nil when metrics disabled

	runners []Runner
}

// New builds the full component graph from cfg. Nothing is started yet;
// call Run (or RunContext) to bring the loops up.
func New(cfg *config.Config, logger core.ILogger) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger.WithField("component", "bootstrap"),
		brokers: make(map[string]core.Broker),
		paper:   make(map[string]*mock.Broker),
	}

	store, err := ledger.NewStore(cfg.App.LedgerPath, logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	a.store = store

	// Replay the outbox before reopening it for append: after a crash the
	// journal is the authority on which broker calls were in flight.
	replayed, err := ledger.Replay(cfg.App.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("journal replay: %w", err)
	}
	a.replayed = replayed
	if len(replayed) > 0 {
		a.logger.Info("Journal replayed", "open_entries", len(replayed))
	}
	journal, err := ledger.NewJournal(cfg.App.JournalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	a.journal = journal

	a.alerts = alert.NewDispatcher(logger, alert.NewLogSink(logger))
	a.supervisor = safety.NewSupervisor(cfg.App.SnapshotPath, logger)

	a.watchdog = watchdog.New(cfg.Watchdog, logger)
	a.watchdog.SetOnThrottleChange(func(throttled bool, reason string) {
		a.supervisor.UpdateRiskThrottle(throttled, reason, "watchdog")
	})
	a.watchdog.SetOnAutoHold(func(venue string, state core.BrokerState, reason string) {
		a.supervisor.EngageSafetyHold(reason, "watchdog")
		a.alerts.Emit(alert.Event{
			Kind:     "venue_down",
			Severity: alert.SeverityCritical,
			Title:    fmt.Sprintf("venue %s is DOWN, safety hold engaged", venue),
			Detail:   reason,
			Ctx:      map[string]string{"venue": venue, "state": state.String()},
		})
	})

	a.governor = risk.NewGovernor(cfg.Risk.Governor, a.watchdog, logger)
	a.freezes = risk.NewFreezeRegistry(logger)

	if err := a.buildBrokers(logger); err != nil {
		return nil, err
	}

	a.books = book.NewStore(logger)

	a.gate = gate.New(cfg, a.supervisor, a.freezes, a.governor, store, logger)
	a.gate.SetVenueBlocker(a.watchdog)
	a.gate.SetMarkFn(a.markPrice)
	a.gate.SetDailyPnLSource(a.dailyPnL)

	a.router = router.New(cfg, store, journal, a.broker, a.gate, logger)
	a.router.SetHealthRecorder(watchdogRecorder{a.watchdog})
	a.router.SetOutcomeRecorder(a.governor)
	a.router.SetAlerter(a.alerts)

	if cfg.Recon.Enabled {
		venues := make(map[string]recon.VenueClient, len(a.brokers))
		for name, b := range a.brokers {
			venues[name] = b
		}
		a.recon = recon.New(cfg.Recon, store, venues, a.supervisor, logger)
		a.recon.SetAlerter(a.alerts)
		a.runners = append(a.runners, a.recon)
	}

	a.resolver = resolver.New(cfg.Execution.StuckResolver, a.router, store, logger)
	a.resolver.SetAlerter(a.alerts)
	a.runners = append(a.runners, a.resolver)

	if err := a.buildStreams(logger); err != nil {
		return nil, err
	}

	a.healthMgr = health.NewManager(logger)
	a.healthMgr.Register("ledger", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	})
	for _, venue := range cfg.App.ActiveVenues {
		venue := venue
		a.healthMgr.Register("venue_"+venue, func() error {
			state, reason := a.watchdog.State(venue)
			if state == core.BrokerDown {
				return fmt.Errorf("venue %s is DOWN: %s", venue, reason)
			}
			return nil
		})
	}

	if cfg.Telemetry.EnableMetrics {
		a.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, a.healthMgr, a.supervisor, logger)
		a.runners = append(a.runners, metricsRunner{a.metricsSrv})
	}

	return a, nil
}

// buildBrokers creates one broker per active venue. Only the paper profile has
// an in-process adapter; live venue connectivity ships separately.
func (a *App) buildBrokers(logger core.ILogger) error {
	if a.cfg.App.Profile != "paper" && a.cfg.App.Profile != "canary" {
		return fmt.Errorf("profile %q has no broker adapter wired", a.cfg.App.Profile)
	}

	for _, venue := range a.cfg.App.ActiveVenues {
		b := mock.NewBroker(venue, logger)
		a.paper[venue] = b
		a.brokers[venue] = b
	}

	if len(a.cfg.App.ActiveVenues) == 1 {
		a.broker = a.brokers[a.cfg.App.ActiveVenues[0]]
		return nil
	}
	a.broker = newMultiBroker(a.cfg.App.ActiveVenues, a.brokers)
	return nil
}

// buildStreams wires a websocket stream per venue that has a feed URL
// configured. Venues without one (the paper broker) simply have no books.
func (a *App) buildStreams(logger core.ILogger) error {
	symbols := make([]string, 0, len(a.cfg.Symbols))
	for sym := range a.cfg.Symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, venue := range a.cfg.App.ActiveVenues {
		vcfg := a.cfg.Venues[venue]
		if vcfg.WSBaseURL == "" {
			continue
		}

		var rules stream.VenueRules
		switch vcfg.BookRules {
		case "okx":
			rules = stream.NewOKXRules(venue)
		default:
			rules = stream.NewBinanceRules(venue)
		}

		connector := stream.NewConnector(venue, vcfg.WSBaseURL, stream.ConnectorConfig{}, nil, logger)
		venue := venue
		var wasConnected bool
		connector.SetOnStateChange(func(state stream.ConnState, reason string) {
			switch state {
			case stream.ConnConnected:
				wasConnected = true
			case stream.ConnConnecting, stream.ConnDown:
				if wasConnected {
					wasConnected = false
					a.watchdog.RecordWSDisconnect(venue)
				}
			}
		})

		timeout := time.Duration(a.cfg.System.BrokerTimeoutSec) * time.Second
		fetcher := snapshotFetcher(rules.Name(), pkghttp.NewClient(vcfg.BaseURL, timeout, nil))

		st := stream.NewStream(venue, symbols, rules, a.books, connector, fetcher, logger)
		st.SetLagObserver(func(ms float64) { a.watchdog.RecordWSLag(venue, ms) })

		a.streams = append(a.streams, st)
		a.runners = append(a.runners, streamRunner{st})
	}
	return nil
}

// snapshotFetcher returns a REST depth-snapshot fetcher for one rules family.
// A failed fetch bounces the whole connector, so transient errors are retried
// here before giving up.
func snapshotFetcher(rules string, client *pkghttp.Client) stream.SnapshotFetcher {
	return func(ctx context.Context, venue, symbol string) ([]byte, error) {
		var raw []byte
		err := retry.Do(ctx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
			var err error
			switch rules {
			case "okx":
				raw, err = client.Get(ctx, "/api/v5/market/books",
					map[string]string{"instId": symbol, "sz": "400"})
			default:
				raw, err = client.Get(ctx, "/fapi/v1/depth",
					map[string]string{"symbol": symbol, "limit": "1000"})
			}
			return err
		})
		return raw, err
	}
}

// markPrice resolves a mark for exposure projection: book mid when the book is
// live, otherwise the broker's mark, otherwise zero (the gate treats zero as
// unknown and skips notional projection).
func (a *App) markPrice(venue, symbol string) decimal.Decimal {
	if top := a.books.GetTopOfBook(venue, symbol); top != nil {
		return top.BidPrice.Add(top.AskPrice).Div(decimal.NewFromInt(2))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if px, err := a.broker.GetMarkPrice(ctx, symbol); err == nil {
		return px
	}
	return decimal.Zero
}

func (a *App) dailyPnL() decimal.Decimal {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pnl, err := a.store.DailyRealizedPnL(ctx)
	if err != nil {
		a.logger.Warn("Daily PnL lookup failed, loss cap skipped this check", "error", err)
		return decimal.Zero
	}
	return pnl
}

// Router exposes the order router for callers that drive the app (CLI, tests).
func (a *App) Router() *router.Router { return a.router }

// PaperBroker returns the in-process broker for a venue on the paper profile,
// or nil.
func (a *App) PaperBroker(venue string) *mock.Broker { return a.paper[venue] }

// Run blocks until SIGINT/SIGTERM or a runner failure, then shuts down.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext recovers in-flight intents, starts every runner and blocks until
// ctx is canceled or a runner fails. Each runner is stopped before return.
func (a *App) RunContext(ctx context.Context) error {
	if err := a.router.RecoverInflight(ctx); err != nil {
		// The resolver picks up whatever recovery could not settle.
		a.logger.Error("Inflight recovery failed", "error", err)
	}
	if len(a.replayed) > 0 {
		if err := a.router.RecoverJournal(ctx, a.replayed); err != nil {
			a.logger.Error("Journal recovery failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		r := r
		g.Go(func() error {
			if err := r.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return r.Stop()
		})
	}

	a.logger.Info("propbot running",
		"profile", a.cfg.App.Profile,
		"venues", a.cfg.App.ActiveVenues,
		"runners", len(a.runners))

	err := g.Wait()
	a.watchdog.Stop()
	a.alerts.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("propbot stopped")
	return nil
}

// Close releases the durable resources. Call after Run returns.
func (a *App) Close() error {
	var firstErr error
	if err := a.journal.Close(); err != nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// watchdogRecorder adapts the watchdog to the router's health recorder surface.
type watchdogRecorder struct{ wd *watchdog.Watchdog }

func (r watchdogRecorder) RecordOrderSubmit(venue string) { r.wd.RecordOrderSubmit(venue) }
func (r watchdogRecorder) RecordOrderReject(venue string) { r.wd.RecordOrderReject(venue) }
func (r watchdogRecorder) RecordRESTOK(venue string)      { r.wd.RecordRESTOK(venue) }
func (r watchdogRecorder) RecordRESTError(venue string, kind string) {
	r.wd.RecordRESTError(venue, watchdog.RESTErrorKind(kind))
}

// streamRunner adapts a book stream to the Runner lifecycle.
type streamRunner struct{ s *stream.Stream }

func (r streamRunner) Start(ctx context.Context) error { r.s.Start(); return nil }
func (r streamRunner) Stop() error                     { r.s.Stop(); return nil }

// metricsRunner adapts the metrics server to the Runner lifecycle.
type metricsRunner struct{ srv *metrics.Server }

func (r metricsRunner) Start(ctx context.Context) error { r.srv.Start(); return nil }

func (r metricsRunner) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.srv.Stop(ctx)
}
