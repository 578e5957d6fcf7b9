// Package idempotency is a generic exactly-once helper. A deterministic key
// derived from (operation, requester, business key) maps to a stored result
// with a time-to-live; lookups classify an attempt as New, Existing,
// Expired or InProgress.
//
// The package has no knowledge of refunds. The ledger uses it for request
// creation and the treasury processor for pipeline execution.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/refundops/internal/metrics"
)

var (
	ErrNotFound            = errors.New("idempotency record not found")
	ErrFingerprintMismatch = errors.New("key reuse with mismatched payload")
)

// Status classifies a key on lookup.
type Status string

const (
	StatusNew        Status = "new"
	StatusExisting   Status = "existing"
	StatusExpired    Status = "expired"
	StatusInProgress Status = "in_progress"
)

// Record states.
const (
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
)

// Record is one stored attempt.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	State       string    `json:"state"`
	Result      string    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether r is past its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists records. Claim must be atomic: it inserts rec only when no
// record exists for rec.Key or the existing one has expired at now.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Claim(ctx context.Context, rec Record, now time.Time) (bool, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Key derives a deterministic key. Each part is length-prefixed so distinct
// inputs never collide by concatenation.
func Key(operation, requester, businessKey string) string {
	h := sha256.New()
	for _, part := range []string{operation, requester, businessKey} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TTLHours converts an hour-denominated TTL.
func TTLHours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}

// Manager classifies and records attempts on top of a Store.
type Manager struct {
	store          Store
	now            func() time.Time
	reservationTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReservationTTL bounds how long an unfinished reservation blocks other
// attempts. A worker that dies mid-operation loses its claim after this.
func WithReservationTTL(d time.Duration) Option {
	return func(m *Manager) { m.reservationTTL = d }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		now:            time.Now,
		reservationTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check classifies key without modifying anything.
func (m *Manager) Check(ctx context.Context, key string) (Status, *Record, error) {
	rec, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return m.observe(StatusNew), nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return m.observe(m.classify(rec)), rec, nil
}

func (m *Manager) classify(rec *Record) Status {
	switch {
	case rec.Expired(m.now()):
		return StatusExpired
	case rec.State == StateCompleted:
		return StatusExisting
	default:
		return StatusInProgress
	}
}

// Reserve claims key for the caller. New and Expired mean the caller now
// owns the key and must finish with Complete or Release. Existing returns
// the stored record; the caller must not re-execute. InProgress means
// another attempt holds the key.
//
// A non-empty fingerprint is compared against a completed record and
// ErrFingerprintMismatch is returned when they differ.
func (m *Manager) Reserve(ctx context.Context, key, fingerprint string) (Status, *Record, error) {
	rec, err := m.store.Get(ctx, key)
	prior := StatusNew
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", nil, fmt.Errorf("idempotency lookup failed: %w", err)
	default:
		switch st := m.classify(rec); st {
		case StatusExisting:
			if fingerprint != "" && rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
				return "", rec, ErrFingerprintMismatch
			}
			return m.observe(st), rec, nil
		case StatusInProgress:
			return m.observe(st), rec, nil
		case StatusExpired:
			prior = StatusExpired
		}
	}

	now := m.now().UTC()
	claim := Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInProgress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.reservationTTL),
	}
	claimed, err := m.store.Claim(ctx, claim, now)
	if err != nil {
		return "", nil, fmt.Errorf("key reservation failed: %w", err)
	}
	if !claimed {
		return m.lost(ctx, key, fingerprint)
	}
	return m.observe(prior), &claim, nil
}

// lost reports on a key another attempt claimed first. The caller never owns
// it: a record that is missing or already expired by the time it is read
// back still belongs to the winner, so both read as InProgress.
func (m *Manager) lost(ctx context.Context, key, fingerprint string) (Status, *Record, error) {
	rec, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return m.observe(StatusInProgress), nil, nil
	case err != nil:
		return "", nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if m.classify(rec) != StatusExisting {
		return m.observe(StatusInProgress), rec, nil
	}
	if fingerprint != "" && rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		return "", rec, ErrFingerprintMismatch
	}
	return m.observe(StatusExisting), rec, nil
}

// Complete stores result for key with the given ttl.
func (m *Manager) Complete(ctx context.Context, key, fingerprint, result string, ttl time.Duration) error {
	now := m.now().UTC()
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateCompleted,
		Result:      result,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

// Release drops a reservation so a later attempt starts fresh.
func (m *Manager) Release(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

// Cleanup removes expired records and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup failed: %w", err)
	}
	return n, nil
}

func (m *Manager) observe(s Status) Status {
	metrics.IdempotencyLookups.WithLabelValues(string(s)).Inc()
	return s
}
