package stream

import (
	"github.com/Dennicka/propbot-sub002/internal/book"
)

// Verdict is the outcome of checking a diff against the current book sequence.
type Verdict int

const (
	// VerdictApply means the diff continues the book (possibly after an
	// overlap trim adjusted SeqFrom in place).
	VerdictApply Verdict = iota
	// VerdictIgnore means the diff is strictly older than the book.
	VerdictIgnore
	// VerdictGap means continuity is broken and the book must resync.
	VerdictGap
)

// Message is one parsed feed payload: exactly one of Snapshot or Diff is set.
// Payloads that are neither (subscribe acks, pings) yield both nil.
type Message struct {
	Snapshot *book.Snapshot
	Diff     *book.Diff
}

// VenueRules encapsulates a venue's wire format and sequencing semantics.
type VenueRules interface {
	// Name is the rules family, e.g. "binance" or "okx".
	Name() string
	// ParseMessage decodes one websocket payload.
	ParseMessage(raw []byte) (*Message, error)
	// ParseSnapshot decodes a REST depth snapshot for one symbol.
	ParseSnapshot(symbol string, raw []byte) (*book.Snapshot, error)
	// CheckDiff relates a diff to the last applied sequence. It may mutate
	// d.SeqFrom when the venue tolerates overlap.
	CheckDiff(lastSeq uint64, d *book.Diff) Verdict
}

// RulesFor returns the venue rules for a config book_rules value.
func RulesFor(family, venue string) VenueRules {
	switch family {
	case "okx":
		return NewOKXRules(venue)
	default:
		return NewBinanceRules(venue)
	}
}
