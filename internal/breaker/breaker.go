// Package breaker implements the circuit breaker pattern for the
// runtime's two unreliable collaborators: the memory gateway and the
// fast-path daemon. Records are persisted per service so every
// short-lived hook process sees the same view.
package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// State is the circuit state machine position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a request is refused fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Defaults per service record.
const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
	DefaultRecoveryTimeout  = 30 * time.Second
)

// record is the persisted per-service document.
type record struct {
	State                State   `json:"state"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	OpenedAt             float64 `json:"opened_at"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
}

// Breaker is a file-backed circuit breaker for one named service.
type Breaker struct {
	mu sync.Mutex

	path             string
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// New creates a breaker for service, persisted under dir. Missing or
// unreadable records behave as CLOSED.
func New(dir, service string) *Breaker {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(service)
	return &Breaker{
		path:             filepath.Join(dir, "breaker_"+safe+".json"),
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a request may proceed. An OPEN breaker past its
// recovery timeout transitions to HALF_OPEN and lets one probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.lockRecord()()

	rec := b.load()
	switch rec.State {
	case StateOpen:
		opened := time.Unix(0, int64(rec.OpenedAt*float64(time.Second)))
		if b.now().Sub(opened) >= b.recoveryTimeout {
			rec.State = StateHalfOpen
			rec.ConsecutiveSuccesses = 0
			b.save(rec)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess notes a successful call. In HALF_OPEN, enough
// consecutive successes close the circuit; in CLOSED the failure count
// resets.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.lockRecord()()

	rec := b.load()
	switch rec.State {
	case StateHalfOpen:
		rec.ConsecutiveSuccesses++
		if rec.ConsecutiveSuccesses >= b.successThreshold {
			rec = record{State: StateClosed}
		}
	case StateClosed:
		rec.ConsecutiveFailures = 0
	case StateOpen:
		// A success while OPEN means a caller bypassed Allow; treat it
		// as a recovery probe.
		rec = record{State: StateClosed}
	}
	b.save(rec)
}

// RecordFailure notes a failed call. Enough consecutive failures open
// the circuit; any failure in HALF_OPEN reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.lockRecord()()

	rec := b.load()
	switch rec.State {
	case StateClosed:
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= b.failureThreshold {
			rec.State = StateOpen
			rec.OpenedAt = float64(b.now().UnixNano()) / float64(time.Second)
			rec.ConsecutiveSuccesses = 0
		}
	case StateHalfOpen:
		rec.State = StateOpen
		rec.OpenedAt = float64(b.now().UnixNano()) / float64(time.Second)
		rec.ConsecutiveSuccesses = 0
	case StateOpen:
		// Already open; refresh nothing so the recovery clock keeps
		// counting from the original trip.
	}
	b.save(rec)
}

// CurrentState returns the persisted state for monitoring.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.lockRecord()()
	return b.load().State
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.lockRecord()()
	b.save(record{State: StateClosed})
}

// lockRecord takes the cross-process lock for the record file, so two
// concurrent hook processes cannot tear a load-modify-save cycle. Lock
// trouble degrades to the in-process mutex alone; breaker accounting
// must never stall or fail a hook.
func (b *Breaker) lockRecord() func() {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return func() {}
	}
	lock := flock.New(b.path + ".lock")
	if err := lock.Lock(); err != nil {
		return func() {}
	}
	return func() { _ = lock.Unlock() }
}

func (b *Breaker) load() record {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return record{State: StateClosed}
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.State == "" {
		return record{State: StateClosed}
	}
	return rec
}

func (b *Breaker) save(rec record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return
	}
	tmp := fmt.Sprintf("%s.%d.tmp", b.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	// Best effort: breaker accounting must never fail a hook.
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
	}
}
