package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/book"
)

// BinanceRules implements the Binance-futures style depth protocol: diffs carry
// an inclusive [U, u] range, overlap with the snapshot is expected and trimmed,
// and strictly-older diffs are dropped without noise.
type BinanceRules struct {
	venue string
}

// NewBinanceRules creates rules for one venue using Binance semantics.
func NewBinanceRules(venue string) *BinanceRules {
	return &BinanceRules{venue: venue}
}

func (r *BinanceRules) Name() string { return "binance" }

type binanceDepthEvent struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstSeq  uint64     `json:"U"`
	FinalSeq  uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type binanceSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ParseMessage decodes one stream payload. Non-depth events yield an empty Message.
func (r *BinanceRules) ParseMessage(raw []byte) (*Message, error) {
	var ev binanceDepthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("malformed binance payload: %w", err)
	}
	if ev.EventType != "depthUpdate" {
		return &Message{}, nil
	}

	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return nil, fmt.Errorf("binance bids: %w", err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return nil, fmt.Errorf("binance asks: %w", err)
	}

	return &Message{Diff: &book.Diff{
		Venue:   r.venue,
		Symbol:  ev.Symbol,
		SeqFrom: ev.FirstSeq,
		SeqTo:   ev.FinalSeq,
		Bids:    bids,
		Asks:    asks,
		Ts:      time.UnixMilli(ev.EventTime),
	}}, nil
}

// ParseSnapshot decodes the REST depth snapshot.
func (r *BinanceRules) ParseSnapshot(symbol string, raw []byte) (*book.Snapshot, error) {
	var snap binanceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("malformed binance snapshot: %w", err)
	}
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return nil, fmt.Errorf("binance snapshot bids: %w", err)
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return nil, fmt.Errorf("binance snapshot asks: %w", err)
	}
	return &book.Snapshot{
		Venue:   r.venue,
		Symbol:  symbol,
		LastSeq: snap.LastUpdateID,
		Bids:    bids,
		Asks:    asks,
		Ts:      time.Now(),
	}, nil
}

// CheckDiff tolerates overlap: a diff straddling the book sequence is trimmed
// to start at lastSeq+1; diffs entirely in the past are ignored.
func (r *BinanceRules) CheckDiff(lastSeq uint64, d *book.Diff) Verdict {
	switch {
	case d.SeqTo <= lastSeq:
		return VerdictIgnore
	case d.SeqFrom <= lastSeq:
		d.SeqFrom = lastSeq + 1
		return VerdictApply
	case d.SeqFrom == lastSeq+1:
		return VerdictApply
	default:
		return VerdictGap
	}
}

func parseLevels(raw [][]string) ([]book.PriceLevel, error) {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level needs price and size, got %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("bad size %q: %w", pair[1], err)
		}
		out = append(out, book.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
