package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := E(QuotaExceeded, "quota.Reserve", errors.New("0 of 5 scans remaining"))
	wrapped := fmt.Errorf("starting scan: %w", base)
	doubly := fmt.Errorf("api: %w", wrapped)

	if KindOf(doubly) != QuotaExceeded {
		t.Fatalf("kind lost through wrapping: got %s", CodeOf(doubly))
	}
	if !Is(doubly, QuotaExceeded) {
		t.Error("Is should match through wrapping")
	}
	if Is(doubly, NotFound) {
		t.Error("Is matched the wrong kind")
	}
}

func TestKindOfUntyped(t *testing.T) {
	if KindOf(errors.New("plain")) != Internal {
		t.Error("untyped errors should report Internal")
	}
	if KindOf(nil) != Internal {
		t.Error("nil should report Internal")
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if KindOf(context.Canceled) != Cancelled {
		t.Error("context.Canceled should report Cancelled")
	}
	if KindOf(fmt.Errorf("fetching: %w", context.DeadlineExceeded)) != Cancelled {
		t.Error("wrapped deadline should report Cancelled")
	}
	// A typed kind wins over the context cause it wraps.
	typed := E(RenderFailure, "fetch.Render", context.DeadlineExceeded)
	if KindOf(typed) != RenderFailure {
		t.Error("explicit kind should beat the wrapped context error")
	}
	if !Is(context.Canceled, Cancelled) {
		t.Error("Is should match context cancellation")
	}
}

func TestErrorMessages(t *testing.T) {
	withCause := E(Unreachable, "fetch.Static", errors.New("dial tcp: no such host"))
	if got := withCause.Error(); got != "fetch.Static: dial tcp: no such host" {
		t.Errorf("unexpected message: %q", got)
	}
	bare := E(Busy, "scan.Start", nil)
	if got := bare.Error(); got != "scan.Start: busy" {
		t.Errorf("unexpected bare message: %q", got)
	}
}

func TestCodesAreStable(t *testing.T) {
	want := map[Kind]string{
		Internal:         "internal",
		InvalidInput:     "invalid_input",
		Unreachable:      "target_unreachable",
		RenderFailure:    "render_failure",
		QuotaExceeded:    "quota_exceeded",
		Busy:             "busy",
		NotFound:         "not_found",
		PermissionDenied: "permission_denied",
		Unauthorized:     "unauthorized",
		Dependency:       "dependency_failure",
		Cancelled:        "cancelled",
	}
	for kind, code := range want {
		if kind.Code() != code {
			t.Errorf("Kind %d: code %q, want %q", kind, kind.Code(), code)
		}
	}
}
