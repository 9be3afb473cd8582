package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wardenhq/warden/internal/observe"
)

// drainQueue moves the capture queue into the observations collection.
// The queue file is renamed to a work file first, so concurrent hook
// appends land in a fresh queue; the work file is deleted only after
// every batch lands. Partial failures leave it in place for the next
// drain to retry.
func (s *Server) drainQueue(ctx context.Context) (int, error) {
	if s.queuePath == "" {
		return 0, nil
	}
	work := s.queuePath + ".work"

	// A leftover work file from a failed drain is retried before the
	// live queue is touched.
	if _, err := os.Stat(work); os.IsNotExist(err) {
		if err := os.Rename(s.queuePath, work); err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("claiming capture queue: %w", err)
		}
	}

	f, err := os.Open(work)
	if err != nil {
		return 0, fmt.Errorf("opening work file: %w", err)
	}

	var rows []Row
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var obs observe.Observation
		if err := json.Unmarshal(sc.Bytes(), &obs); err != nil {
			// One corrupt line must not wedge the whole queue.
			s.log.Warn().Err(err).Msg("skipping corrupt observation line")
			continue
		}
		rows = append(rows, Row{
			ID:   "obs-" + obs.ObsHash,
			Text: obs.Text(),
			Metadata: map[string]string{
				"tool":     obs.Tool,
				"session":  obs.SessionID,
				"outcome":  obs.Outcome,
				"priority": string(obs.Priority),
			},
		})
	}
	scanErr := sc.Err()
	_ = f.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("reading work file: %w", scanErr)
	}

	// Batched upserts keep each embedding call bounded.
	const batchSize = 50
	drained := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.store.Upsert(ctx, CollectionObservations, rows[start:end]); err != nil {
			// Work file stays for retry; report what landed.
			return drained, fmt.Errorf("draining batch %d-%d: %w", start, end, err)
		}
		drained = end
	}

	if err := os.Remove(work); err != nil {
		return drained, fmt.Errorf("removing work file: %w", err)
	}
	return drained, nil
}
