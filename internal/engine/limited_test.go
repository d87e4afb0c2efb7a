package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/ratelimit"
)

type flakyEngine struct {
	mockEngine
	chatErrs []error
	calls    int
}

func (f *flakyEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	f.calls++
	if len(f.chatErrs) > 0 {
		err := f.chatErrs[0]
		f.chatErrs = f.chatErrs[1:]
		return "", err
	}
	return "ok", nil
}

func retryCount(t *testing.T, reg *prometheus.Registry, service string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "lexrag_external_retries_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "service" && lp.GetValue() == service {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func fastPolicy() ratelimit.Policy {
	return ratelimit.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func unlimited() *ratelimit.Limiter { return ratelimit.NewLimiter(ratelimit.Config{}) }

func TestLimited_RetriesTransient(t *testing.T) {
	inner := &flakyEngine{chatErrs: []error{
		faults.FromHTTPStatus("ollama.chat", 429),
		faults.FromHTTPStatus("ollama.chat", 503),
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := NewLimited(inner, unlimited(), unlimited(), fastPolicy(), WithMetrics(m))

	out, err := l.Chat(context.Background(), "qwen2.5", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "ok" || inner.calls != 3 {
		t.Errorf("out = %q after %d calls, want ok after 3", out, inner.calls)
	}
	if got := retryCount(t, reg, "generate"); got != 2 {
		t.Errorf("retries metric = %v, want 2", got)
	}
}

func TestLimited_PermanentNotRetried(t *testing.T) {
	inner := &flakyEngine{chatErrs: []error{faults.FromHTTPStatus("ollama.chat", 400)}}
	l := NewLimited(inner, unlimited(), unlimited(), fastPolicy())

	_, err := l.Chat(context.Background(), "qwen2.5", nil, nil)
	if !faults.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("permanent error retried: %d calls", inner.calls)
	}
}

func TestLimited_ExhaustionDemotesToPermanent(t *testing.T) {
	transient := faults.Transient("ollama.chat", errors.New("connection reset"))
	inner := &flakyEngine{chatErrs: []error{transient, transient, transient, transient}}
	l := NewLimited(inner, unlimited(), unlimited(), fastPolicy())

	_, err := l.Chat(context.Background(), "qwen2.5", nil, nil)
	if !faults.IsPermanent(err) {
		t.Errorf("expected demotion to permanent, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.calls)
	}
}
