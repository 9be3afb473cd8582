// Package audit provides the append-only decision log. One JSONL file
// per day; per-line records tolerate interleaved writers. Rotation
// gzips old files, deletion stays opt-in.
package audit

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RotateAfter is the age past which daily logs are gzipped.
const RotateAfter = 48 * time.Hour

// Record is one audit line: the gate decision for one tool call.
type Record struct {
	TS        float64        `json:"ts"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Gate      string         `json:"gate,omitempty"`
	Decision  string         `json:"decision"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Log appends records to daily files under Dir.
type Log struct {
	Dir string

	now func() time.Time
}

// NewLog creates the audit directory if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &Log{Dir: dir, now: time.Now}, nil
}

// Append writes one record to today's file.
func (l *Log) Append(rec *Record) error {
	if rec.TS == 0 {
		rec.TS = float64(l.now().UnixNano()) / float64(time.Second)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing audit record: %w", err)
	}

	path := filepath.Join(l.Dir, l.now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// Rotate gzips daily files older than RotateAfter. When deleteOld is
// set, .gz files past the same age are removed; default callers pass
// false.
func (l *Log) Rotate(deleteOld bool) error {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return fmt.Errorf("listing audit directory: %w", err)
	}

	cutoff := l.now().Add(-RotateAfter)
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".jsonl"):
			day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".jsonl"))
			if err != nil || !day.Before(cutoff) {
				continue
			}
			if err := l.gzipFile(filepath.Join(l.Dir, name)); err != nil {
				return err
			}
		case strings.HasSuffix(name, ".jsonl.gz") && deleteOld:
			day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".jsonl.gz"))
			if err != nil || !day.Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(l.Dir, name)); err != nil {
				return fmt.Errorf("removing old audit archive: %w", err)
			}
		}
	}
	return nil
}

func (l *Log) gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening audit file for rotation: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("creating audit archive: %w", err)
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return fmt.Errorf("compressing audit file: %w", err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return fmt.Errorf("finishing audit archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing audit archive: %w", err)
	}
	return os.Remove(path)
}
