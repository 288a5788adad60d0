package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// AppendEvent writes one record to the run's events.log and fsyncs before
// returning. Sequence numbers must be strictly increasing; the first append
// after open replays the log tail to learn the cursor.
func (s *Store) AppendEvent(ev runtime.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("event kind %q not in the closed set", ev.Kind)
	}
	if ev.RunID == "" || ev.Seq == 0 {
		return fmt.Errorf("event missing run_id or seq")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, known := s.lastSeq[ev.RunID]
	if !known {
		var err error
		last, _, err = s.recoverLogLocked(ev.RunID)
		if err != nil {
			return err
		}
	}
	if ev.Seq <= last {
		return fmt.Errorf("event seq %d not after %d for run %s", ev.Seq, last, ev.RunID)
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	path := filepath.Join(s.runDir(ev.RunID), eventFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.lastSeq[ev.RunID] = ev.Seq
	return nil
}

// ReadEvents replays the log from fromSeq (inclusive). A missing log is an
// empty history, not an error.
func (s *Store) ReadEvents(runID string, fromSeq uint64) ([]runtime.Event, error) {
	b, err := os.ReadFile(filepath.Join(s.runDir(runID), eventFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	events, _, err := decodeLog(runID, b)
	if err != nil {
		return nil, err
	}
	var out []runtime.Event
	for _, ev := range events {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RecoverLog scans events.log, truncates a partial trailing record left by a
// crash mid-append, and returns the last committed sequence. It must run
// before a resumed run appends.
func (s *Store) RecoverLog(runID string) (lastSeq uint64, truncated bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverLogLocked(runID)
}

func (s *Store) recoverLogLocked(runID string) (uint64, bool, error) {
	path := filepath.Join(s.runDir(runID), eventFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.lastSeq[runID] = 0
			return 0, false, nil
		}
		return 0, false, err
	}

	events, goodLen, err := decodeLog(runID, b)
	if err != nil {
		return 0, false, err
	}
	var last uint64
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	truncated := goodLen < len(b)
	if truncated {
		if err := os.Truncate(path, int64(goodLen)); err != nil {
			return 0, false, fmt.Errorf("truncate partial record in %s: %w", path, err)
		}
	}
	s.lastSeq[runID] = last
	return last, truncated, nil
}

// decodeLog parses JSON-line records and returns the byte length of the valid
// prefix. A trailing record that is incomplete or unparseable is dropped; a
// bad record followed by good ones is real corruption and an error.
func decodeLog(runID string, b []byte) ([]runtime.Event, int, error) {
	var (
		events  []runtime.Event
		goodLen int
		offset  int
	)
	for offset < len(b) {
		nl := bytes.IndexByte(b[offset:], '\n')
		if nl < 0 {
			// No terminator: a crash interrupted the append.
			return events, goodLen, nil
		}
		line := b[offset : offset+nl]
		next := offset + nl + 1

		var ev runtime.Event
		if err := json.Unmarshal(line, &ev); err != nil || !ev.Kind.Valid() || ev.Seq == 0 {
			if next >= len(b) {
				return events, goodLen, nil
			}
			return nil, 0, fmt.Errorf("corrupt event record at byte %d of run %s log", offset, runID)
		}
		if n := len(events); n > 0 && ev.Seq <= events[n-1].Seq {
			return nil, 0, fmt.Errorf("event log for run %s not monotonic at seq %d", runID, ev.Seq)
		}
		events = append(events, ev)
		offset = next
		goodLen = next
	}
	return events, goodLen, nil
}
