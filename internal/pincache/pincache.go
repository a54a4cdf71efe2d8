// Package pincache keeps a short-lived PIN verifier in process memory and
// throttles guessing with a time-bounded lockout. Nothing here is persisted;
// a restart forgets the PIN.
package pincache

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/developingchet/fwconsole/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
)

const (
	minSecretLen = 4
	maxSecretLen = 64
	saltLen      = 16
	keyLen       = 32
)

// ErrNotSet is returned by Verify when no PIN has been stored.
var ErrNotSet = errors.New("pin not set")

// ErrInvalidSecret is returned by Set for empty or malformed PINs.
var ErrInvalidSecret = fmt.Errorf("pin must be %d-%d printable characters without spaces", minSecretLen, maxSecretLen)

// ErrLocked is returned while verification is refused after repeated failures.
type ErrLocked struct {
	Until time.Time
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("pin locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// ErrMismatch is returned when the candidate does not match the stored PIN.
type ErrMismatch struct {
	Attempts  uint // consecutive failures including this one
	Remaining uint // failures left before lockout
}

func (e *ErrMismatch) Error() string {
	return fmt.Sprintf("pin mismatch (attempt %d, %d left before lockout)", e.Attempts, e.Remaining)
}

// Config holds lockout policy and verifier cost parameters.
type Config struct {
	LockoutThreshold uint
	LockoutDuration  time.Duration

	// argon2id cost; zero values pick the defaults below.
	ArgonTime    uint32
	ArgonMemory  uint32 // KiB
	ArgonThreads uint8
}

// Status is a read-only view of the cache state.
type Status struct {
	Set            bool      `json:"set"`
	FailedAttempts uint      `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
}

// Cache holds at most one PIN verifier. All operations take the same mutex
// for their whole duration so the attempt counter cannot race.
type Cache struct {
	mu          sync.Mutex
	cfg         Config
	salt        []byte
	verifier    []byte // nil = not set
	failed      uint
	lockedUntil time.Time
	now         func() time.Time
	log         zerolog.Logger
}

// New returns an empty Cache.
func New(cfg Config, log zerolog.Logger) *Cache {
	if cfg.LockoutThreshold == 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 5 * time.Minute
	}
	if cfg.ArgonTime == 0 {
		cfg.ArgonTime = 2
	}
	if cfg.ArgonMemory == 0 {
		cfg.ArgonMemory = 19 * 1024
	}
	if cfg.ArgonThreads == 0 {
		cfg.ArgonThreads = 1
	}
	return &Cache{
		cfg: cfg,
		now: time.Now,
		log: log,
	}
}

// Set stores a verifier for secret, resets the failure counter and lifts any
// lockout.
func (c *Cache) Set(secret string) error {
	if !validSecret(secret) {
		return ErrInvalidSecret
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	v := c.derive(secret, salt)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.salt = salt
	c.verifier = v
	c.failed = 0
	c.lockedUntil = time.Time{}
	c.log.Debug().Msg("pin set")
	return nil
}

// Clear removes the stored verifier. Failure count and lock are kept so
// clearing cannot be used to bypass an active lockout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salt = nil
	c.verifier = nil
	c.log.Debug().Msg("pin cleared")
}

// Verify checks candidate against the stored PIN.
func (c *Cache) Verify(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lockedUntil.IsZero() {
		if now.Before(c.lockedUntil) {
			metrics.PinVerifications.WithLabelValues("locked").Inc()
			return &ErrLocked{Until: c.lockedUntil}
		}
		// Lock expired: start a fresh failure window.
		c.lockedUntil = time.Time{}
		c.failed = 0
	}

	if c.verifier == nil {
		metrics.PinVerifications.WithLabelValues("not_set").Inc()
		return ErrNotSet
	}

	got := c.derive(candidate, c.salt)
	if subtle.ConstantTimeCompare(got, c.verifier) == 1 {
		c.failed = 0
		metrics.PinVerifications.WithLabelValues("success").Inc()
		return nil
	}

	c.failed++
	if c.failed >= c.cfg.LockoutThreshold {
		c.lockedUntil = now.Add(c.cfg.LockoutDuration)
		metrics.PinVerifications.WithLabelValues("locked").Inc()
		metrics.PinLockouts.Inc()
		c.log.Warn().Uint("attempts", c.failed).Time("until", c.lockedUntil).Msg("pin locked after repeated failures")
		return &ErrLocked{Until: c.lockedUntil}
	}
	metrics.PinVerifications.WithLabelValues("mismatch").Inc()
	return &ErrMismatch{Attempts: c.failed, Remaining: c.cfg.LockoutThreshold - c.failed}
}

// Status returns the current state without consuming an attempt.
func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Set: c.verifier != nil, FailedAttempts: c.failed}
	switch {
	case c.lockedUntil.IsZero():
	case c.now().Before(c.lockedUntil):
		s.LockedUntil = c.lockedUntil
	default:
		// Expired lock; Verify resets the counter on its next call.
		s.FailedAttempts = 0
	}
	return s
}

func (c *Cache) derive(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, c.cfg.ArgonTime, c.cfg.ArgonMemory, c.cfg.ArgonThreads, keyLen)
}

func validSecret(s string) bool {
	n := 0
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
		n++
	}
	return n >= minSecretLen && n <= maxSecretLen
}
