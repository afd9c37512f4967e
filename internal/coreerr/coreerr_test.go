package coreerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf_UnwrapsThroughWrapping(t *testing.T) {
	base := New(CodeRevisionMismatch, "expected %d got %d", 3, 4)
	wrapped := fmt.Errorf("manifest write: %w", base)
	if got := CodeOf(wrapped); got != CodeRevisionMismatch {
		t.Fatalf("CodeOf: got %q want %q", got, CodeRevisionMismatch)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain error should carry no code")
	}
}

func TestAt_DoesNotMutateOriginal(t *testing.T) {
	e := New(CodeSchemaValidationFailed, "bad enum")
	located := e.At("/stage/current")
	if e.Path != "" {
		t.Fatalf("original mutated: %q", e.Path)
	}
	if located.Path != "/stage/current" {
		t.Fatalf("got %q want /stage/current", located.Path)
	}
	if located.Error() != "SCHEMA_VALIDATION_FAILED: bad enum (at /stage/current)" {
		t.Fatalf("unexpected message: %s", located.Error())
	}
}

func TestExitCode_Classes(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{CodeRunAgentRequired, 2},
		{CodeGateBlocked, 2},
		{CodeMissingArtifact, 2},
		{CodeRetryExhausted, 2},
		{CodeSchemaValidationFailed, 3},
		{CodeInvalidJSON, 3},
		{CodeImmutableField, 3},
		{CodeInvalidState, 3},
		{CodeWriteFailed, 4},
		{CodeRevisionMismatch, 4},
		{CodeNotFound, 4},
		{CodeLockHeld, 4},
		{CodeInvalidArgs, 1},
		{CodeDisabled, 1},
	}
	for _, tc := range cases {
		if got := ExitCode(New(tc.code, "x")); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.code, got, tc.want)
		}
	}
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("nil: got %d want 0", got)
	}
	if got := ExitCode(errors.New("uncoded")); got != 1 {
		t.Fatalf("uncoded: got %d want 1", got)
	}
}

func TestWithDetail_CopiesDetails(t *testing.T) {
	e := New(CodeGateBlocked, "gate C failed").WithDetail("gate", "C")
	e2 := e.WithDetail("rate", 0.5)
	if _, ok := e.Details["rate"]; ok {
		t.Fatalf("original details mutated")
	}
	if e2.Details["gate"] != "C" || e2.Details["rate"] != 0.5 {
		t.Fatalf("details not carried: %v", e2.Details)
	}
}
