package observe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

const (
	// MaxQueueLines caps the capture queue before compaction.
	MaxQueueLines = 500
	// dedupWindow is how many trailing lines are consulted for
	// near-duplicate suppression.
	dedupWindow = 20
	// highRetention is how many high-priority lines survive compaction.
	highRetention = 150
	// totalRetention bounds high plus tail survivors.
	totalRetention = 300
	// minRetention is the floor for tail survivors.
	minRetention = 50
)

// Queue is an append-only JSONL capture queue. Many short-lived hook
// processes append; only the memory gateway drains and deletes it.
type Queue struct {
	Path string
}

// Append adds one observation unless its hash already appears in the
// last 20 lines of the queue. Returns true when a line was written.
func (q *Queue) Append(obs *Observation) (bool, error) {
	if q.isRecentDuplicate(obs.ObsHash) {
		return false, nil
	}

	line, err := json.Marshal(obs)
	if err != nil {
		return false, fmt.Errorf("serializing observation: %w", err)
	}

	f, err := os.OpenFile(q.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening capture queue: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("appending observation: %w", err)
	}
	return true, nil
}

// isRecentDuplicate scans the trailing dedup window for hash.
func (q *Queue) isRecentDuplicate(hash string) bool {
	lines, err := q.readLines()
	if err != nil {
		return false
	}
	start := len(lines) - dedupWindow
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		var probe struct {
			ObsHash string `json:"_obs_hash"`
		}
		if json.Unmarshal([]byte(line), &probe) == nil && probe.ObsHash == hash {
			return true
		}
	}
	return false
}

// Len returns the current number of queued lines.
func (q *Queue) Len() (int, error) {
	lines, err := q.readLines()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(lines), nil
}

// Compact enforces the queue cap with priority-aware eviction: the last
// 150 high-priority lines always survive; the remainder is topped up
// from the tail to 300 minus the high count, with a floor of 50.
// A no-op while the queue is under MaxQueueLines.
func (q *Queue) Compact() error {
	lines, err := q.readLines()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(lines) <= MaxQueueLines {
		return nil
	}

	type parsed struct {
		line string
		high bool
	}
	records := make([]parsed, 0, len(lines))
	for _, line := range lines {
		var probe struct {
			Priority Priority `json:"priority"`
		}
		p := parsed{line: line}
		if json.Unmarshal([]byte(line), &probe) == nil {
			p.high = probe.Priority == PriorityHigh
		}
		records = append(records, p)
	}

	// Last N high-priority lines, oldest first.
	var high []string
	for i := len(records) - 1; i >= 0 && len(high) < highRetention; i-- {
		if records[i].high {
			high = append([]string{records[i].line}, high...)
		}
	}

	tailBudget := totalRetention - len(high)
	if tailBudget < minRetention {
		tailBudget = minRetention
	}

	kept := map[string]bool{}
	for _, l := range high {
		kept[l] = true
	}
	var tail []string
	for i := len(records) - 1; i >= 0 && len(tail) < tailBudget; i-- {
		if !kept[records[i].line] {
			tail = append([]string{records[i].line}, tail...)
		}
	}

	// Merge preserving original order: walk records once.
	keptAll := map[string]bool{}
	for _, l := range high {
		keptAll[l] = true
	}
	for _, l := range tail {
		keptAll[l] = true
	}
	var out []string
	for _, r := range records {
		if keptAll[r.line] {
			out = append(out, r.line)
			delete(keptAll, r.line)
		}
	}

	return q.rewrite(out)
}

func (q *Queue) readLines() ([]string, error) {
	f, err := os.Open(q.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func (q *Queue) rewrite(lines []string) error {
	tmp := q.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating compacted queue: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing compacted queue: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing compacted queue: %w", err)
	}
	if err := os.Rename(tmp, q.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing compacted queue: %w", err)
	}
	return nil
}
