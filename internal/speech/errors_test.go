package speech

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestAPIErrorRetryability(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{404, false},
		{499, false},
		{500, true},
		{503, true},
		{599, true},
		{600, false},
	}
	for _, tc := range cases {
		err := NewAPIError(fmt.Sprintf("status %d", tc.status), tc.status)
		if err.Retryable != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
		if err.Kind != KindAPI {
			t.Fatalf("status %d: expected API kind, got %s", tc.status, err.Kind)
		}
	}
}

func TestKindRetryability(t *testing.T) {
	if !NewNetworkError("down", nil).Retryable {
		t.Fatal("network errors must be retryable")
	}
	if !NewTimeoutError("slow", nil).Retryable {
		t.Fatal("timeout errors must be retryable")
	}
	if NewPlaybackError("player", nil).Retryable {
		t.Fatal("playback errors must not be retryable")
	}
	if NewUnknownError("odd", nil).Retryable {
		t.Fatal("unknown errors must not be retryable")
	}
}

func TestErrorRendering(t *testing.T) {
	if got := NewAPIError("synthesis failed: 503", 503).Error(); got != "[API] synthesis failed: 503 (retryable)" {
		t.Fatalf("unexpected rendering %q", got)
	}
	if got := NewPlaybackError("player exited", nil).Error(); got != "[PLAYBACK] player exited" {
		t.Fatalf("unexpected rendering %q", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatal("expected nil for nil error")
	}

	original := NewTimeoutError("slow", nil)
	if Wrap(fmt.Errorf("attempt 1: %w", original)) != original {
		t.Fatal("expected existing speech error to pass through")
	}

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	if got := Wrap(refused); got.Kind != KindNetwork || !got.Retryable {
		t.Fatalf("expected retryable network error, got %v", got)
	}

	plain := errors.New("boom")
	got := Wrap(plain)
	if got.Kind != KindUnknown || got.Retryable {
		t.Fatalf("expected non-retryable unknown error, got %v", got)
	}
	if !errors.Is(got, plain) {
		t.Fatal("expected wrapped error to unwrap to the cause")
	}
}
