package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/book"
)

// OKXRules implements the OKX/Bybit style books protocol: snapshots arrive on
// the same channel as updates, each update names its predecessor sequence, and
// any discontinuity forces a resync.
type OKXRules struct {
	venue string
}

// NewOKXRules creates rules for one venue using OKX semantics.
func NewOKXRules(venue string) *OKXRules {
	return &OKXRules{venue: venue}
}

func (r *OKXRules) Name() string { return "okx" }

type okxBooksMsg struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Action string         `json:"action"` // snapshot or update
	Data   []okxBooksData `json:"data"`
}

type okxBooksData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Ts        string     `json:"ts"`
	SeqID     uint64     `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"` // -1 on snapshots
}

// ParseMessage decodes one books channel payload. Snapshot actions yield a
// Snapshot, updates a Diff; anything else is empty.
func (r *OKXRules) ParseMessage(raw []byte) (*Message, error) {
	var msg okxBooksMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed okx payload: %w", err)
	}
	if msg.Arg.Channel != "books" || len(msg.Data) == 0 {
		return &Message{}, nil
	}
	data := msg.Data[0]

	bids, err := parseLevels(data.Bids)
	if err != nil {
		return nil, fmt.Errorf("okx bids: %w", err)
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return nil, fmt.Errorf("okx asks: %w", err)
	}

	ts := time.Now()
	if ms, err := strconv.ParseInt(data.Ts, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}

	if msg.Action == "snapshot" {
		return &Message{Snapshot: &book.Snapshot{
			Venue:   r.venue,
			Symbol:  msg.Arg.InstID,
			LastSeq: data.SeqID,
			Bids:    bids,
			Asks:    asks,
			Ts:      ts,
		}}, nil
	}

	seqFrom := data.SeqID
	if data.PrevSeqID >= 0 {
		seqFrom = uint64(data.PrevSeqID) + 1
	}
	return &Message{Diff: &book.Diff{
		Venue:   r.venue,
		Symbol:  msg.Arg.InstID,
		SeqFrom: seqFrom,
		SeqTo:   data.SeqID,
		Bids:    bids,
		Asks:    asks,
		Ts:      ts,
	}}, nil
}

// ParseSnapshot decodes a REST depth snapshot (same data shape inside "data").
func (r *OKXRules) ParseSnapshot(symbol string, raw []byte) (*book.Snapshot, error) {
	var resp struct {
		Data []okxBooksData `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed okx snapshot: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx snapshot has no data")
	}
	data := resp.Data[0]

	bids, err := parseLevels(data.Bids)
	if err != nil {
		return nil, fmt.Errorf("okx snapshot bids: %w", err)
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return nil, fmt.Errorf("okx snapshot asks: %w", err)
	}
	return &book.Snapshot{
		Venue:   r.venue,
		Symbol:  symbol,
		LastSeq: data.SeqID,
		Bids:    bids,
		Asks:    asks,
		Ts:      time.Now(),
	}, nil
}

// CheckDiff enforces strict monotonicity: anything but the exact successor,
// older diffs included, breaks continuity and forces a resync.
func (r *OKXRules) CheckDiff(lastSeq uint64, d *book.Diff) Verdict {
	if d.SeqFrom == lastSeq+1 {
		return VerdictApply
	}
	return VerdictGap
}
