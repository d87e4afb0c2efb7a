package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("embedding chunk: %w", Transient("embed", base))

	if got := KindOf(err); got != KindTransient {
		t.Errorf("KindOf = %v, want transient", got)
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is should see the underlying error")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("parse failure")); got != KindPermanent {
		t.Errorf("KindOf(plain) = %v, want permanent", got)
	}
	if got := KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)); got != KindTransient {
		t.Errorf("KindOf(deadline) = %v, want transient", got)
	}
	if got := KindOf(context.Canceled); got != KindPermanent {
		t.Errorf("KindOf(canceled) = %v, want permanent", got)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		429: KindTransient,
		503: KindTransient,
		500: KindTransient,
		400: KindPermanent,
		404: KindPermanent,
	}
	for code, want := range cases {
		if got := KindOf(FromHTTPStatus("chat", code)); got != want {
			t.Errorf("status %d: kind = %v, want %v", code, got, want)
		}
	}
}

func TestNilPassthrough(t *testing.T) {
	if Transient("x", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if IsTransient(nil) || IsPermanent(nil) {
		t.Error("nil error should not be classified")
	}
}

func TestErrorString(t *testing.T) {
	err := Validation("extract entities", errors.New("missing entities field"))
	want := "extract entities: validation: missing entities field"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRateLimited(t *testing.T) {
	if !RateLimited(FromHTTPStatus("embed", 429)) {
		t.Error("429 should report rate limiting")
	}
	if RateLimited(FromHTTPStatus("embed", 503)) {
		t.Error("503 is not rate limiting")
	}
	if RateLimited(nil) {
		t.Error("nil is not rate limiting")
	}
}
