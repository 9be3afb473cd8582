package state

import (
	"encoding/json"
	"fmt"
	"os"
)

// sidebandDoc is the single-field JSON body of a sideband file.
type sidebandDoc struct {
	Timestamp float64 `json:"timestamp"`
}

// Sideband is a one-field timestamp file used as an out-of-band signal
// across processes. It works even when the memory gateway is down and
// stays readable by any short-lived hook.
type Sideband struct {
	Path string
}

// Read returns the stored timestamp, or zero when the file is missing
// or unreadable. Sideband reads never fail a caller.
func (sb *Sideband) Read() float64 {
	data, err := os.ReadFile(sb.Path)
	if err != nil {
		return 0
	}
	var doc sidebandDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}
	return doc.Timestamp
}

// Write stores ts atomically.
func (sb *Sideband) Write(ts float64) error {
	data, err := json.Marshal(sidebandDoc{Timestamp: ts})
	if err != nil {
		return fmt.Errorf("serializing sideband: %w", err)
	}
	tmp := sb.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing sideband: %w", err)
	}
	if err := os.Rename(tmp, sb.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing sideband: %w", err)
	}
	return nil
}

// MemoryFreshness combines the in-document timestamp with the sideband
// signal; gates must honor whichever is newer.
func MemoryFreshness(s *SessionState, sb *Sideband) float64 {
	ts := s.MemoryLastQueried
	if v := sb.Read(); v > ts {
		ts = v
	}
	return ts
}
