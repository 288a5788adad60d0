package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"name=build", "count=3", "deep=true", "ratio=0.5", "raw=not-json"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if got := params["name"]; got != "build" {
		t.Errorf("name = %v", got)
	}
	if got := params["count"]; got != float64(3) {
		t.Errorf("count = %v (%T)", got, got)
	}
	if got := params["deep"]; got != true {
		t.Errorf("deep = %v", got)
	}
	if got := params["ratio"]; got != 0.5 {
		t.Errorf("ratio = %v", got)
	}
	if got := params["raw"]; got != "not-json" {
		t.Errorf("raw = %v", got)
	}
}

func TestParseParamsRejectsBadPairs(t *testing.T) {
	for _, bad := range []string{"novalue", "=orphan"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) accepted", bad)
		}
	}
}

func TestExitForStatus(t *testing.T) {
	tests := []struct {
		status runtime.RunStatus
		code   int
	}{
		{runtime.RunSucceeded, exitSuccess},
		{runtime.RunPartial, exitPartial},
		{runtime.RunFailed, exitFailed},
		{runtime.RunCancelled, exitCancelled},
	}
	for _, tt := range tests {
		err := exitForStatus("r1", tt.status)
		if tt.code == exitSuccess {
			if err != nil {
				t.Errorf("%s: err = %v", tt.status, err)
			}
			continue
		}
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Errorf("%s: err = %v, want ExitError", tt.status, err)
			continue
		}
		if exitErr.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.status, exitErr.Code, tt.code)
		}
	}
}

func TestPrintEventFormatsPayloadDeterministically(t *testing.T) {
	var b strings.Builder
	printEvent(&b, runtime.Event{
		Seq:    4,
		Kind:   runtime.EventStepEnd,
		NodeID: "build",
		TS:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Payload: map[string]any{
			"status":     "succeeded",
			"confidence": 0.9,
		},
	})
	line := b.String()
	if !strings.Contains(line, "step_end") || !strings.Contains(line, "node=build") {
		t.Fatalf("line = %q", line)
	}
	// Payload keys print sorted.
	if strings.Index(line, "confidence=") > strings.Index(line, "status=") {
		t.Errorf("payload keys unsorted: %q", line)
	}
}
