package grainerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	e := New(StageDispatch, CodeTimeout, "deadline exceeded")
	if got := e.Error(); got != "dispatch timeout: deadline exceeded" {
		t.Fatalf("unexpected message: %q", got)
	}

	wrapped := Wrap(StageCodec, CodeProtocolError, "", fmt.Errorf("eof"))
	if got := wrapped.Error(); got != "codec protocol_error: eof" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(StageCatalog, CodeInternal, "handler panic", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
}

func TestCodeOf(t *testing.T) {
	e := New(StageAuthz, CodeDenied, "role below Admin")
	var wrapped error = fmt.Errorf("invoke: %w", e)
	code, ok := CodeOf(wrapped)
	if !ok || code != CodeDenied {
		t.Fatalf("expected CodeDenied, got %v ok=%v", code, ok)
	}

	_, ok = CodeOf(errors.New("plain"))
	if ok {
		t.Fatalf("expected no code for plain error")
	}
}
