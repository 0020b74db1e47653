package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/book"
	"github.com/Dennicka/propbot-sub002/internal/core"
)

// SnapshotFetcher retrieves a REST depth snapshot for one symbol. Production
// wiring backs this with the resilient HTTP client; tests return fixtures.
type SnapshotFetcher func(ctx context.Context, venue, symbol string) ([]byte, error)

// Stream consumes one venue's feed: it parses payloads via the venue rules,
// keeps the book store continuous, and drives resyncs when continuity breaks.
// Diffs arriving before the first snapshot (or during a resync) are queued
// per symbol and drained once the snapshot lands.
type Stream struct {
	venue     string
	symbols   []string
	rules     VenueRules
	books     *book.Store
	connector *Connector
	fetcher   SnapshotFetcher

	mu        sync.Mutex
	resyncing map[string]bool
	pending   map[string][]*book.Diff

	// watchdog hooks, optional
	onLagSample func(ms float64)

	logger core.ILogger
}

// NewStream wires a stream for one venue.
func NewStream(venue string, symbols []string, rules VenueRules, books *book.Store,
	connector *Connector, fetcher SnapshotFetcher, logger core.ILogger) *Stream {
	s := &Stream{
		venue:     venue,
		symbols:   symbols,
		rules:     rules,
		books:     books,
		connector: connector,
		fetcher:   fetcher,
		resyncing: make(map[string]bool),
		pending:   make(map[string][]*book.Diff),
		logger:    logger.WithField("component", "book_stream").WithField("venue", venue),
	}
	connector.SetOnMessage(s.HandleMessage)
	connector.SetOnOpen(s.onOpen)
	return s
}

// SetLagObserver registers a callback receiving feed lag samples in milliseconds.
func (s *Stream) SetLagObserver(fn func(ms float64)) { s.onLagSample = fn }

// Start begins the underlying connector.
func (s *Stream) Start() { s.connector.Start() }

// Stop stops the underlying connector.
func (s *Stream) Stop() { s.connector.Stop() }

// onOpen resyncs every symbol after each (re)connect. Books carry over
// sequence state, so a seamless reconnect still revalidates via snapshot.
func (s *Stream) onOpen() {
	for _, sym := range s.symbols {
		s.Resync(context.Background(), sym, "connected")
	}
}

// HandleMessage processes one raw feed payload.
func (s *Stream) HandleMessage(raw []byte) {
	msg, err := s.rules.ParseMessage(raw)
	if err != nil {
		s.logger.Warn("Unparseable feed payload", "error", err)
		return
	}

	if msg.Snapshot != nil {
		s.handleSnapshot(msg.Snapshot)
		return
	}
	if msg.Diff != nil {
		s.HandleDiff(msg.Diff)
	}
}

func (s *Stream) handleSnapshot(snap *book.Snapshot) {
	s.books.ApplySnapshot(snap)

	s.mu.Lock()
	s.resyncing[snap.Symbol] = false
	queued := s.pending[snap.Symbol]
	s.pending[snap.Symbol] = nil
	s.mu.Unlock()

	for _, d := range queued {
		s.applyDiff(d)
	}
	s.connector.SetState(ConnConnected, "resync_complete")
}

// HandleDiff routes one diff: queue while resyncing, otherwise apply.
func (s *Stream) HandleDiff(d *book.Diff) {
	s.mu.Lock()
	if s.resyncing[d.Symbol] {
		s.pending[d.Symbol] = append(s.pending[d.Symbol], d)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.applyDiff(d)
}

func (s *Stream) applyDiff(d *book.Diff) {
	lastSeq := s.books.LastSeq(d.Venue, d.Symbol)
	if lastSeq == 0 {
		// No snapshot yet: queue until the first one lands.
		s.mu.Lock()
		s.pending[d.Symbol] = append(s.pending[d.Symbol], d)
		s.mu.Unlock()
		return
	}

	switch s.rules.CheckDiff(lastSeq, d) {
	case VerdictIgnore:
		return
	case VerdictGap:
		s.logger.Warn("Sequence gap detected",
			"symbol", d.Symbol, "last_seq", lastSeq, "seq_from", d.SeqFrom, "seq_to", d.SeqTo)
		s.Resync(context.Background(), d.Symbol, "sequence_gap")
		return
	}

	if err := s.books.ApplyDiff(d); err != nil {
		var nme *book.NonMonotonicError
		if errors.As(err, &nme) {
			s.Resync(context.Background(), d.Symbol, "apply_failed")
			return
		}
		s.logger.Error("Diff apply failed", "symbol", d.Symbol, "error", err)
		return
	}

	if s.onLagSample != nil && !d.Ts.IsZero() {
		// Lag between venue event time and local processing.
		s.onLagSample(float64(time.Now().UnixMilli() - d.Ts.UnixMilli()))
	}
}

// Resync fetches a fresh snapshot and replaces the book. On fetch failure the
// connector is bounced; the next on_open retries.
func (s *Stream) Resync(ctx context.Context, symbol, reason string) {
	s.mu.Lock()
	if s.resyncing[symbol] {
		s.mu.Unlock()
		return
	}
	s.resyncing[symbol] = true
	s.mu.Unlock()

	s.books.RecordResync(s.venue, symbol, reason)
	s.connector.SetState(ConnResyncing, reason)

	raw, err := s.fetcher(ctx, s.venue, symbol)
	if err != nil {
		s.logger.Error("Snapshot fetch failed", "symbol", symbol, "error", err)
		s.mu.Lock()
		s.resyncing[symbol] = false
		s.mu.Unlock()
		s.connector.ReconnectNow("snapshot_fetch_failed")
		return
	}

	snap, err := s.rules.ParseSnapshot(symbol, raw)
	if err != nil {
		s.logger.Error("Snapshot parse failed", "symbol", symbol, "error", err)
		s.mu.Lock()
		s.resyncing[symbol] = false
		s.mu.Unlock()
		s.connector.ReconnectNow("snapshot_parse_failed")
		return
	}

	s.handleSnapshot(snap)
}
