package cond

import (
	"errors"
	"testing"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

func testEnv() Env {
	res := &runtime.NodeResult{
		Status: runtime.NodeSucceeded,
		Receipt: runtime.Receipt{
			DurationMS: 1200,
			Tokens:     845,
		},
		Envelope: runtime.Envelope{
			VerificationStatus:      runtime.Unverified,
			Confidence:              0.82,
			CanFurtherIterationHelp: runtime.BoolPtr(true),
			Summary:                 "draft needs review",
		},
	}
	state := runtime.NewRunState("run-1", "flow-1", "build", nil)
	state.StepCount = 4
	state.IterationCounts["build"] = 2
	return BuildEnv(state, res, 3)
}

func TestEvaluate(t *testing.T) {
	env := testEnv()

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{`status == "UNVERIFIED"`, true},
		{`status != "VERIFIED"`, true},
		{`status == "VERIFIED"`, false},
		{"iteration >= 2", true},
		{"iteration < max_iterations", true},
		{"confidence > 0.5 && !has_errors", true},
		{"confidence >= 0.9 || iteration == 2", true},
		{`status in ["VERIFIED", "PARTIAL"]`, false},
		{`envelope.summary contains "review"`, true},
		{`envelope.summary matches "^draft"`, true},
		{"receipt.tokens > 500", true},
		{"run.step_count <= 10", true},
		{"(iteration >= max_iterations) || confidence > 0.8", true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, env)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_UnresolvedIdentifier(t *testing.T) {
	env := testEnv()
	_, err := Evaluate("bogus_field == 1", env)
	if !errors.Is(err, ErrUnresolvedIdentifier) {
		t.Fatalf("want ErrUnresolvedIdentifier, got %v", err)
	}
	var ee *EvalError
	if !errors.As(err, &ee) {
		t.Fatalf("want *EvalError, got %T", err)
	}
	if ee.Source != "bogus_field == 1" {
		t.Fatalf("EvalError.Source=%q", ee.Source)
	}
}

func TestEvaluate_TypeMismatch(t *testing.T) {
	env := testEnv()
	// Non-boolean result is a contract violation, not a silent truthy value.
	_, err := Evaluate("iteration + 1", env)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("want ErrTypeMismatch, got %v", err)
	}
}

func TestCompile_RejectsBadRegexAtLoadTime(t *testing.T) {
	if err := Compile(`status matches "(["`); err == nil {
		t.Fatal("want compile error for invalid regex, got nil")
	}
	if err := Compile(`status matches "^V"`); err != nil {
		t.Fatalf("valid regex rejected: %v", err)
	}
}

func TestEvaluate_Pure(t *testing.T) {
	env := testEnv()
	const src = "confidence > 0.5 && iteration < max_iterations"
	first, err := Evaluate(src, env)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Evaluate(src, env)
		if err != nil {
			t.Fatalf("Evaluate error on repeat %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("Evaluate not pure: run %d got %v, first %v", i, again, first)
		}
	}
}

func TestEvaluate_EmptyConditionIsTrue(t *testing.T) {
	got, err := Evaluate("   ", Env{})
	if err != nil || !got {
		t.Fatalf("blank condition: got (%v, %v), want (true, nil)", got, err)
	}
}
