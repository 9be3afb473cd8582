package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// Store loads and persists session state documents. All writes go
// through a temp-file-plus-rename cycle guarded by an advisory lock, so
// a crash mid-write leaves the prior good document intact.
type Store struct {
	// Dir holds one JSON document per session id.
	Dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Store{Dir: dir}, nil
}

// Path returns the on-disk location of a session's document.
func (st *Store) Path(sessionID string) string {
	// Session ids come from the host; flatten anything path-like.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sessionID)
	return filepath.Join(st.Dir, safe+".json")
}

func (st *Store) lockPath(sessionID string) string {
	return st.Path(sessionID) + ".lock"
}

// Load reads the session document, returning fresh defaults when the
// file is missing. A corrupt document is replaced by defaults rather
// than propagated: the runtime must never wedge on its own state.
func (st *Store) Load(sessionID string) (*SessionState, error) {
	data, err := os.ReadFile(st.Path(sessionID))
	if os.IsNotExist(err) {
		return NewSessionState(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		fmt.Fprintf(os.Stderr, "warden: state for %s is corrupt (%v), starting fresh\n", sessionID, err)
		return NewSessionState(sessionID), nil
	}
	if s.SessionID == "" {
		s.SessionID = sessionID
	}
	s.normalize()
	return &s, nil
}

// Save persists the document atomically.
func (st *Store) Save(s *SessionState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}

	path := st.Path(s.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing state file: %w", err)
	}
	return nil
}

/// Update runs fn inside the session's lock region: load, mutate,
// atomic replace. Two tasks in the same session cannot tear the
// document.
func (st *Store) Update(sessionID string, fn func(*SessionState) error) (*SessionState, error) {
	lock := flock.New(st.lockPath(sessionID))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking state: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	s, err := st.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := st.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}
