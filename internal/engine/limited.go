package engine

import (
	"context"
	"log/slog"

	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/ratelimit"
)

// Limited routes every generation and embedding call through a shared rate
// limiter and retries transient failures per call. A 429 pushes the shared
// deadline so concurrent callers back off together.
type Limited struct {
	inner    Engine
	generate *ratelimit.Limiter
	embed    *ratelimit.Limiter
	policy   ratelimit.Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type LimitedOption func(*Limited)

func WithMetrics(m *metrics.Metrics) LimitedOption {
	return func(l *Limited) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) LimitedOption {
	return func(l *Limited) { l.logger = logger }
}

func NewLimited(inner Engine, generate, embed *ratelimit.Limiter, policy ratelimit.Policy, opts ...LimitedOption) *Limited {
	l := &Limited{
		inner:    inner,
		generate: generate,
		embed:    embed,
		policy:   policy,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limited) call(ctx context.Context, service string, lim *ratelimit.Limiter, fn func(ctx context.Context) error) error {
	return ratelimit.Retry(ctx, l.policy, func(attempt int, err error) {
		if faults.RateLimited(err) {
			lim.RecordRateLimit(l.policy.Backoff(attempt))
		}
		l.metrics.ExternalRetry(service)
		l.logger.Debug("retrying model call", "service", service, "attempt", attempt, "error", err)
	}, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
}

func (l *Limited) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	var out string
	err := l.call(ctx, "generate", l.generate, func(ctx context.Context) error {
		var err error
		out, err = l.inner.Chat(ctx, model, messages, jsonSchema)
		return err
	})
	return out, err
}

func (l *Limited) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var out []float32
	err := l.call(ctx, "embed", l.embed, func(ctx context.Context) error {
		var err error
		out, err = l.inner.Embed(ctx, model, text)
		return err
	})
	return out, err
}

func (l *Limited) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var out [][]float32
	err := l.call(ctx, "embed", l.embed, func(ctx context.Context) error {
		var err error
		out, err = l.inner.EmbedBatch(ctx, model, texts)
		return err
	})
	return out, err
}

func (l *Limited) IsRunning(ctx context.Context) bool { return l.inner.IsRunning(ctx) }

func (l *Limited) ListModels(ctx context.Context) ([]string, error) { return l.inner.ListModels(ctx) }

func (l *Limited) HasModel(ctx context.Context, name string) bool { return l.inner.HasModel(ctx, name) }

func (l *Limited) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	return l.inner.PullModel(ctx, name, onProgress)
}
