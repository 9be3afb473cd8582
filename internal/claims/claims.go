// Package claims coordinates file ownership between concurrently
// running agent sessions. Claims live in a single JSON document guarded
// by an exclusive advisory lock; contention is fail-open because a
// missed claim only costs a warning, never corruption.
package claims

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// StaleAfter is how long a claim remains live without renewal.
const StaleAfter = 30 * time.Minute

// Claim records which session holds a file and since when.
type Claim struct {
	SessionID string  `json:"session_id"`
	ClaimedAt float64 `json:"claimed_at"`
}

// Registry is the on-disk claims document plus its lock.
type Registry struct {
	Path string

	now func() time.Time
}

// NewRegistry creates a registry backed by path.
func NewRegistry(path string) *Registry {
	return &Registry{Path: path, now: time.Now}
}

// ErrLockBusy reports that another process holds the claims lock. The
// caller should proceed without the claim check (fail-open).
var ErrLockBusy = fmt.Errorf("claims file is locked by another process")

// Holder returns the session holding a live claim on path, or "" when
// the file is unclaimed or the claim has gone stale. Lock contention
// returns ErrLockBusy.
func (r *Registry) Holder(path string) (string, error) {
	doc, release, err := r.lockAndLoad()
	if err != nil {
		return "", err
	}
	defer release()

	claim, ok := doc[path]
	if !ok || r.stale(claim) {
		return "", nil
	}
	return claim.SessionID, nil
}

// Acquire claims path for sessionID, overwriting stale claims. A live
// claim by another session is an error.
func (r *Registry) Acquire(path, sessionID string) error {
	doc, release, err := r.lockAndLoad()
	if err != nil {
		return err
	}
	defer release()

	if claim, ok := doc[path]; ok && !r.stale(claim) && claim.SessionID != sessionID {
		return fmt.Errorf("file %s is claimed by session %s", path, claim.SessionID)
	}
	doc[path] = Claim{
		SessionID: sessionID,
		ClaimedAt: float64(r.now().Unix()),
	}
	return r.save(doc)
}

// ReleaseSession drops every claim owned by sessionID. Called at
// session end.
func (r *Registry) ReleaseSession(sessionID string) error {
	doc, release, err := r.lockAndLoad()
	if err != nil {
		return err
	}
	defer release()

	for path, claim := range doc {
		if claim.SessionID == sessionID {
			delete(doc, path)
		}
	}
	return r.save(doc)
}

func (r *Registry) stale(c Claim) bool {
	claimed := time.Unix(int64(c.ClaimedAt), 0)
	return r.now().Sub(claimed) > StaleAfter
}

// lockAndLoad takes the exclusive lock non-blocking and reads the
// document. The returned release func must be called when done.
func (r *Registry) lockAndLoad() (map[string]Claim, func(), error) {
	lock := flock.New(r.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("locking claims file: %w", err)
	}
	if !locked {
		return nil, nil, ErrLockBusy
	}
	release := func() { _ = lock.Unlock() }

	doc := map[string]Claim{}
	data, err := os.ReadFile(r.Path)
	if err == nil {
		// A corrupt claims file is treated as empty; claims are
		// advisory and self-heal as sessions re-acquire.
		_ = json.Unmarshal(data, &doc)
	}
	return doc, release, nil
}

func (r *Registry) save(doc map[string]Claim) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing claims: %w", err)
	}
	tmp := r.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing claims: %w", err)
	}
	if err := os.Rename(tmp, r.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing claims: %w", err)
	}
	return nil
}
