package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Key spaces. Content keys guard at-most-one execution per distinct input;
// temporal keys guard at-most-one scheduled check per entity per calendar day.
const (
	SpaceContent  = "content"
	SpaceTemporal = "temporal"
)

// Default retention for reservations. Content entries mirror the 30 day
// request-log TTL; temporal entries only need to outlive their calendar day.
const (
	ContentTTL  = 30 * 24 * time.Hour
	TemporalTTL = 48 * time.Hour
)

// pending marks a reservation whose result has not been recorded yet.
const pendingMarker = "__pending__"

// ErrUnavailable indicates the backing store could not be reached. Callers
// must treat this as a rejection: a reservation that cannot be verified is
// never allowed to execute.
var ErrUnavailable = errors.New("ledger unavailable")

// Outcome is the result of a reservation attempt.
type Outcome struct {
	// Fresh is true when this caller won the reservation.
	Fresh bool
	// Existing carries the recorded result of the prior reservation, when
	// one has been completed. Empty for a still-pending duplicate.
	Existing string
}

// Ledger is an atomic reservation store. Concurrent Reserve calls on the
// same key observe exactly one Fresh outcome.
type Ledger interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (Outcome, error)
	// Complete records the result for a held reservation so later
	// duplicates can be resolved to it.
	Complete(ctx context.Context, key string, result string) error
	// Release drops a reservation whose work could not produce a result,
	// allowing a later identical trigger to run.
	Release(ctx context.Context, key string) error
}

// ContentKey derives the content-idempotency key for a raw request text.
func ContentKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return "req:" + hex.EncodeToString(sum[:])
}

// Fingerprint returns the bare content hash used as execution identifier.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// TemporalKey derives the once-per-day key for a scheduled entity check.
func TemporalKey(entityID string, day time.Time) string {
	return fmt.Sprintf("check:%s:%s", entityID, day.UTC().Format("2006-01-02"))
}
