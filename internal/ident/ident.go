// Package ident issues the unique identifiers used across the execution core.
//
// Identifiers have the shape <prefix>-<hexMillis>-<hexRandom>: a type prefix,
// the creation time in milliseconds as lowercase hex, and 10 random bytes as
// 20 lowercase hex characters. Lexicographic order within one prefix therefore
// follows creation time, which keeps ledger scans and log greps readable.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const randBytes = 10

// Prefixes for the identifier families minted by the core.
const (
	PrefixIntent  = "oi"
	PrefixRequest = "rq"
	PrefixCancel  = "cx"
	PrefixClient  = "co"
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Generator mints identifiers. The zero value is not usable; use New.
type Generator struct {
	now Clock
}

// New returns a Generator backed by the system clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a Generator using the given clock.
func NewWithClock(clock Clock) *Generator {
	return &Generator{now: clock}
}

func (g *Generator) mint(prefix string) string {
	buf := make([]byte, randBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// nothing sensible to do but stop.
		panic(fmt.Sprintf("ident: entropy source unavailable: %v", err))
	}
	millis := g.now().UnixMilli()
	return fmt.Sprintf("%s-%012x-%s", prefix, millis, hex.EncodeToString(buf))
}

// IntentID mints an order-intent identifier.
func (g *Generator) IntentID() string { return g.mint(PrefixIntent) }

// RequestID mints a request identifier for one broker attempt.
func (g *Generator) RequestID() string { return g.mint(PrefixRequest) }

// CancelID mints a cancel-intent identifier.
func (g *Generator) CancelID() string { return g.mint(PrefixCancel) }

// ClientOrderID mints a broker client-order id carrying the intent id so the
// venue-side dedup key lines up with the ledger's.
func (g *Generator) ClientOrderID() string { return g.mint(PrefixClient) }

// Timestamp extracts the creation time encoded in an identifier.
func Timestamp(id string) (time.Time, error) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("malformed identifier: %q", id)
	}
	millis, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed identifier timestamp: %q", id)
	}
	return time.UnixMilli(millis), nil
}

// Prefix returns the type prefix of an identifier, or "" if malformed.
func Prefix(id string) string {
	i := strings.IndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	return id[:i]
}
