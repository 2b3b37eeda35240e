package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAttachesReason(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(base, ReasonTransientNetwork)
	if Reason(err) != ReasonTransientNetwork {
		t.Fatalf("expected transient_network, got %s", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to unwrap to base")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(nil, ReasonCancelled) != nil {
		t.Fatalf("expected nil")
	}
}

func TestWrapDoesNotOverrideExistingReason(t *testing.T) {
	err := Wrap(errors.New("aborted"), ReasonCancelled)
	err = Wrap(err, ReasonTransientNetwork)
	if Reason(err) != ReasonCancelled {
		t.Fatalf("expected original reason preserved, got %s", Reason(err))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := Wrap(errors.New("stream closed"), ReasonCancelled)
	outer := fmt.Errorf("chat: %w", err)
	if !IsCancelled(outer) {
		t.Fatalf("expected cancelled reason through fmt wrap")
	}
}

func TestReasonOfPlainError(t *testing.T) {
	if Reason(errors.New("x")) != ReasonUnknown {
		t.Fatalf("expected unknown reason for plain error")
	}
}
