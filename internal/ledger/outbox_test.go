package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	j, err := NewJournal(path, &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestJournal_ReplayFindsOpenIntents(t *testing.T) {
	j, path := newTestJournal(t)

	require.NoError(t, j.Append(&Entry{Kind: EntryOrderPending, IntentID: "oi-1", RequestID: "rq-1"}))
	require.NoError(t, j.Append(&Entry{Kind: EntryOrderAcked, IntentID: "oi-1", BrokerOrderID: "bo-1"}))
	require.NoError(t, j.Append(&Entry{Kind: EntryOrderFinal, IntentID: "oi-1", State: "FILLED"}))

	require.NoError(t, j.Append(&Entry{Kind: EntryOrderPending, IntentID: "oi-2", RequestID: "rq-2"}))

	require.NoError(t, j.Append(&Entry{Kind: EntryCancelSent, IntentID: "cx-1"}))
	require.NoError(t, j.Append(&Entry{Kind: EntryCancelFinal, IntentID: "cx-1"}))

	open, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, EntryOrderPending, open["oi-2"].Kind)
}

func TestJournal_ReplayMissingFile(t *testing.T) {
	open, err := Replay(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestJournal_ReplayToleratesTornTail(t *testing.T) {
	j, path := newTestJournal(t)
	require.NoError(t, j.Append(&Entry{Kind: EntryOrderPending, IntentID: "oi-1"}))
	require.NoError(t, j.Close())

	// Simulate a crash mid-write of the final line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"ORDER_FI`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	open, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Contains(t, open, "oi-1")
}

func TestJournal_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	j, err := NewJournal(path, &mockLogger{})
	require.NoError(t, err)
	defer j.Close()
	j.maxSize = 200

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(&Entry{Kind: EntryOrderPending, IntentID: "oi-rotate"}))
	}

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected at least one rotated archive")
}
