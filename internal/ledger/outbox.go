package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

// EntryKind is the journal record type.
type EntryKind string

const (
	EntryOrderPending EntryKind = "ORDER_PENDING"
	EntryOrderAcked   EntryKind = "ORDER_ACKED"
	EntryOrderFinal   EntryKind = "ORDER_FINAL"
	EntryCancelSent   EntryKind = "CANCEL_SENT"
	EntryCancelFinal  EntryKind = "CANCEL_FINAL"
)

// Entry is one append-only journal record.
type Entry struct {
	Kind          EntryKind `json:"kind"`
	IntentID      string    `json:"intent_id"`
	RequestID     string    `json:"request_id,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	State         string    `json:"state,omitempty"`
	Ts            time.Time `json:"ts"`
}

// Journal is the append-only outbox of broker interactions. Each write is
// flushed and fsynced before returning so a crash between the broker call and
// the ledger write can be detected on restart via Replay.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       *bufio.Writer
	size    int64
	maxSize int64
	logger  core.ILogger
}

// DefaultMaxJournalSize is the rotation threshold (64 MiB).
const DefaultMaxJournalSize = 64 << 20

// NewJournal opens (or creates) the journal at path.
func NewJournal(path string, logger core.ILogger) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}
	return &Journal{
		path:    path,
		file:    f,
		w:       bufio.NewWriter(f),
		size:    st.Size(),
		maxSize: DefaultMaxJournalSize,
		logger:  logger.WithField("component", "outbox"),
	}, nil
}

// Append writes one entry durably.
func (j *Journal) Append(e *Entry) error {
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	j.size += int64(len(data))

	if j.size >= j.maxSize {
		if err := j.rotateLocked(); err != nil {
			// Rotation failure is not fatal for the append that already landed.
			j.logger.Error("Journal rotation failed", "error", err)
		}
	}
	return nil
}

func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%d", j.path, time.Now().UnixMilli())
	if err := os.Rename(j.path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	j.size = 0
	j.logger.Info("Journal rotated", "archive", rotated)
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay scans the journal and returns the intent ids with a pending or acked
// record but no final one. These are the candidates for crash recovery: the
// broker may or may not know about them and the router must ask.
func Replay(path string) (map[string]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer f.Close()

	open := make(map[string]Entry)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line is the expected crash artifact; anything
			// mid-file is corruption worth failing on.
			if sc.Scan() {
				return nil, fmt.Errorf("corrupt journal entry at line %d: %w", line, err)
			}
			break
		}
		switch e.Kind {
		case EntryOrderPending, EntryOrderAcked, EntryCancelSent:
			open[e.IntentID] = e
		case EntryOrderFinal, EntryCancelFinal:
			delete(open, e.IntentID)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return open, nil
}
