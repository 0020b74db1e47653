package ident

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Format(t *testing.T) {
	fixed := time.UnixMilli(0x18f0deadbee)
	g := NewWithClock(func() time.Time { return fixed })

	id := g.IntentID()
	parts := strings.SplitN(id, "-", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "oi", parts[0])
	assert.Equal(t, "018f0deadbee", parts[1])
	assert.Len(t, parts[2], 20)
	assert.Equal(t, strings.ToLower(parts[2]), parts[2])
}

func TestGenerator_Uniqueness(t *testing.T) {
	g := New()
	seen := make(map[string]bool)
	for i := 0; i < 10_000; i++ {
		id := g.RequestID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerator_SortableByTime(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	g := NewWithClock(func() time.Time {
		ts = ts.Add(time.Millisecond)
		return ts
	})

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = g.IntentID()
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "ids minted later must sort later")
}

func TestTimestamp_RoundTrip(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_123_456)
	g := NewWithClock(func() time.Time { return fixed })

	ts, err := Timestamp(g.CancelID())
	require.NoError(t, err)
	assert.True(t, ts.Equal(fixed))
}

func TestTimestamp_Malformed(t *testing.T) {
	_, err := Timestamp("garbage")
	assert.Error(t, err)

	_, err = Timestamp("oi-notahex-aaaaaaaaaaaaaaaaaaaa")
	assert.Error(t, err)
}

func TestPrefix(t *testing.T) {
	g := New()
	assert.Equal(t, "oi", Prefix(g.IntentID()))
	assert.Equal(t, "rq", Prefix(g.RequestID()))
	assert.Equal(t, "cx", Prefix(g.CancelID()))
	assert.Equal(t, "co", Prefix(g.ClientOrderID()))
	assert.Equal(t, "", Prefix("noseparator"))
}
