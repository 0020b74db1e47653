// Package book maintains local order books built from venue snapshots and
// sequenced diffs. It is the consumer side of the market-data stream: diffs
// arrive already vetted by the venue rules, and the store enforces strict
// sequence continuity as a final guard.
package book

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

// State is the lifecycle state of one book.
type State string

const (
	StateEmpty   State = "EMPTY"
	StateSyncing State = "SYNCING"
	StateLive    State = "LIVE"
	StateStale   State = "STALE"
)

// PriceLevel is one side entry. Size zero in a diff deletes the level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is a full book image at one sequence number.
type Snapshot struct {
	Venue   string
	Symbol  string
	LastSeq uint64
	Bids    []PriceLevel
	Asks    []PriceLevel
	Ts      time.Time
}

// Diff is one incremental update covering sequences [SeqFrom, SeqTo].
type Diff struct {
	Venue   string
	Symbol  string
	SeqFrom uint64
	SeqTo   uint64
	Bids    []PriceLevel
	Asks    []PriceLevel
	Ts      time.Time
}

// TopOfBook is the best bid and ask of a live book.
type TopOfBook struct {
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	LastSeq  uint64
	Ts       time.Time
}

// DiffEvent is one applied diff kept in the per-book history ring, for
// post-incident inspection of what the feed delivered.
type DiffEvent struct {
	SeqFrom uint64
	SeqTo   uint64
	Bids    int
	Asks    int
	Ts      time.Time
}

// diffHistorySize bounds the per-book ring of applied diffs.
const diffHistorySize = 64

// Status is the externally visible condition of one book.
type Status struct {
	Venue      string
	Symbol     string
	State      State
	LastSeq    uint64
	StalenessS float64
	Resyncs    int64
	Gaps       int64
	LastReason string
}

// NonMonotonicError reports a diff that does not continue the book sequence.
type NonMonotonicError struct {
	Venue   string
	Symbol  string
	LastSeq uint64
	SeqFrom uint64
}

func (e *NonMonotonicError) Error() string {
	return fmt.Sprintf("non-monotonic diff for %s/%s: book at %d, diff starts at %d",
		e.Venue, e.Symbol, e.LastSeq, e.SeqFrom)
}

type record struct {
	mu         sync.RWMutex
	state      State
	lastSeq    uint64
	bids       map[string]PriceLevel // keyed by price string
	asks       map[string]PriceLevel
	lastTs     time.Time
	resyncs    int64
	gaps       int64
	lastReason string

	history   [diffHistorySize]DiffEvent
	histNext  int
	histCount int
}

func (r *record) pushDiff(e DiffEvent) {
	r.history[r.histNext] = e
	r.histNext = (r.histNext + 1) % diffHistorySize
	if r.histCount < diffHistorySize {
		r.histCount++
	}
}

// Store holds all books, one record per (venue, symbol).
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  core.ILogger
	now     func() time.Time
}

// NewStore creates an empty book store.
func NewStore(logger core.ILogger) *Store {
	return &Store{
		records: make(map[string]*record),
		logger:  logger.WithField("component", "book"),
		now:     time.Now,
	}
}

func key(venue, symbol string) string { return venue + "/" + symbol }

func (s *Store) record(venue, symbol string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(venue, symbol)
	r, ok := s.records[k]
	if !ok {
		r = &record{
			state: StateEmpty,
			bids:  make(map[string]PriceLevel),
			asks:  make(map[string]PriceLevel),
		}
		s.records[k] = r
	}
	return r
}

// ApplySnapshot replaces the book contents and marks it LIVE.
func (s *Store) ApplySnapshot(snap *Snapshot) {
	r := s.record(snap.Venue, snap.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bids = make(map[string]PriceLevel, len(snap.Bids))
	for _, lvl := range snap.Bids {
		r.bids[lvl.Price.String()] = lvl
	}
	r.asks = make(map[string]PriceLevel, len(snap.Asks))
	for _, lvl := range snap.Asks {
		r.asks[lvl.Price.String()] = lvl
	}
	r.lastSeq = snap.LastSeq
	r.lastTs = snap.Ts
	if r.lastTs.IsZero() {
		r.lastTs = s.now()
	}
	r.state = StateLive

	s.logger.Info("Book snapshot applied",
		"venue", snap.Venue, "symbol", snap.Symbol, "seq", snap.LastSeq,
		"bids", len(snap.Bids), "asks", len(snap.Asks))
}

// ApplyDiff applies one incremental update. The diff must start exactly at
// lastSeq+1; anything else is a NonMonotonicError and the caller resyncs.
// Size zero removes the level.
func (s *Store) ApplyDiff(diff *Diff) error {
	r := s.record(diff.Venue, diff.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateLive {
		return &NonMonotonicError{Venue: diff.Venue, Symbol: diff.Symbol, LastSeq: r.lastSeq, SeqFrom: diff.SeqFrom}
	}
	if diff.SeqFrom != r.lastSeq+1 {
		r.gaps++
		telemetry.GetGlobalMetrics().IncBookGaps(context.Background())
		return &NonMonotonicError{Venue: diff.Venue, Symbol: diff.Symbol, LastSeq: r.lastSeq, SeqFrom: diff.SeqFrom}
	}

	for _, lvl := range diff.Bids {
		if lvl.Size.IsZero() {
			delete(r.bids, lvl.Price.String())
		} else {
			r.bids[lvl.Price.String()] = lvl
		}
	}
	for _, lvl := range diff.Asks {
		if lvl.Size.IsZero() {
			delete(r.asks, lvl.Price.String())
		} else {
			r.asks[lvl.Price.String()] = lvl
		}
	}
	r.lastSeq = diff.SeqTo
	r.lastTs = diff.Ts
	if r.lastTs.IsZero() {
		r.lastTs = s.now()
	}
	r.pushDiff(DiffEvent{
		SeqFrom: diff.SeqFrom, SeqTo: diff.SeqTo,
		Bids: len(diff.Bids), Asks: len(diff.Asks), Ts: r.lastTs,
	})
	return nil
}

// RecordResync marks the book SYNCING while a fresh snapshot is fetched.
// The reason is retained for the status surface.
func (s *Store) RecordResync(venue, symbol, reason string) {
	r := s.record(venue, symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateSyncing
	r.resyncs++
	r.lastReason = reason
	telemetry.GetGlobalMetrics().IncBookResyncs(context.Background())
	s.logger.Warn("Book resync started",
		"venue", venue, "symbol", symbol, "last_seq", r.lastSeq, "reason", reason)
}

// SetState force-sets the book state. Used when the feed degrades.
func (s *Store) SetState(venue, symbol string, state State, reason string) {
	r := s.record(venue, symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.lastReason = reason
}

// DiffHistory returns the most recently applied diffs, oldest first.
func (s *Store) DiffHistory(venue, symbol string) []DiffEvent {
	r := s.record(venue, symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DiffEvent, 0, r.histCount)
	start := r.histNext - r.histCount
	for i := 0; i < r.histCount; i++ {
		out = append(out, r.history[(start+i+diffHistorySize)%diffHistorySize])
	}
	return out
}

// GetTopOfBook returns the best bid/ask, or nil when the book is not LIVE
// or either side is empty.
func (s *Store) GetTopOfBook(venue, symbol string) *TopOfBook {
	r := s.record(venue, symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != StateLive || len(r.bids) == 0 || len(r.asks) == 0 {
		return nil
	}

	top := &TopOfBook{LastSeq: r.lastSeq, Ts: r.lastTs}
	first := true
	for _, lvl := range r.bids {
		if first || lvl.Price.GreaterThan(top.BidPrice) {
			top.BidPrice, top.BidSize = lvl.Price, lvl.Size
			first = false
		}
	}
	first = true
	for _, lvl := range r.asks {
		if first || lvl.Price.LessThan(top.AskPrice) {
			top.AskPrice, top.AskSize = lvl.Price, lvl.Size
			first = false
		}
	}
	return top
}

// Depth returns up to n levels per side, bids descending and asks ascending.
func (s *Store) Depth(venue, symbol string, n int) (bids, asks []PriceLevel) {
	r := s.record(venue, symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, lvl := range r.bids {
		bids = append(bids, lvl)
	}
	for _, lvl := range r.asks {
		asks = append(asks, lvl)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	if n > 0 && len(bids) > n {
		bids = bids[:n]
	}
	if n > 0 && len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

// GetStalenessS returns seconds since the last applied update. A book that has
// never been populated is infinitely stale, so threshold comparisons fire.
func (s *Store) GetStalenessS(venue, symbol string) float64 {
	r := s.record(venue, symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastTs.IsZero() {
		return math.Inf(1)
	}
	return s.now().Sub(r.lastTs).Seconds()
}

// LastSeq returns the last applied sequence number.
func (s *Store) LastSeq(venue, symbol string) uint64 {
	r := s.record(venue, symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}

// StatusSnapshot returns the condition of every tracked book.
func (s *Store) StatusSnapshot() []Status {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	var out []Status
	for _, k := range keys {
		s.mu.RLock()
		r := s.records[k]
		s.mu.RUnlock()

		r.mu.RLock()
		st := Status{
			State:      r.state,
			LastSeq:    r.lastSeq,
			Resyncs:    r.resyncs,
			Gaps:       r.gaps,
			LastReason: r.lastReason,
			StalenessS: math.Inf(1),
		}
		if !r.lastTs.IsZero() {
			st.StalenessS = s.now().Sub(r.lastTs).Seconds()
		}
		r.mu.RUnlock()

		for i := 0; i < len(k); i++ {
			if k[i] == '/' {
				st.Venue, st.Symbol = k[:i], k[i+1:]
				break
			}
		}
		out = append(out, st)
	}
	return out
}
