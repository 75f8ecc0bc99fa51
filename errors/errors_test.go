package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessageComposition(t *testing.T) {
	err := NewValidation(OpProcessAction, fmt.Errorf("not your turn"))
	msg := err.Error()
	for _, want := range []string{"process_action", "rules", "validation_rejected", "not your turn"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewPersistence(OpAppend, cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}

func TestRetryability(t *testing.T) {
	if !IsRetryable(NewPersistence(OpAppend, fmt.Errorf("x"))) {
		t.Error("persistence failures must be retryable")
	}
	if !IsRetryable(NewTransport(OpBroadcast, fmt.Errorf("x"))) {
		t.Error("transport failures must be retryable")
	}
	if IsRetryable(NewValidation(OpProcessAction, fmt.Errorf("x"))) {
		t.Error("validation rejections must never be retryable")
	}
	if IsRetryable(NewConflict(OpProcessAction, "a1", fmt.Errorf("x"))) {
		t.Error("conflict rejections must never be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("foreign errors are not retryable")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewChecksum(OpReplay, "a", "b")); got != KindChecksum {
		t.Fatalf("KindOf = %q, want %q", got, KindChecksum)
	}
	wrapped := fmt.Errorf("outer: %w", NewVersion(OpSyncClient, KindVersionGap, 1, 5))
	if got := KindOf(wrapped); got != KindVersionGap {
		t.Fatalf("KindOf through wrapping = %q, want %q", got, KindVersionGap)
	}
	if got := KindOf(fmt.Errorf("plain")); got != Kind("") {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
}

func TestConflictingActionID(t *testing.T) {
	err := NewConflict(OpProcessAction, "winner-1", fmt.Errorf("lost"))
	if got := ConflictingActionID(err); got != "winner-1" {
		t.Fatalf("ConflictingActionID = %q, want winner-1", got)
	}
	if got := ConflictingActionID(fmt.Errorf("plain")); got != "" {
		t.Fatalf("ConflictingActionID(plain) = %q, want empty", got)
	}
}
