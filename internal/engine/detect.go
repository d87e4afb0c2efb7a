package engine

import "github.com/kalambet/lexrag/internal/ratelimit"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	OllamaBaseURL string
	// GenerateRPM and EmbedRPM bound requests per minute; zero means unlimited.
	GenerateRPM float64
	EmbedRPM    float64
	Burst       int
	Retry       ratelimit.Policy
}

// Detect returns the configured backend wrapped in its rate limits.
func Detect(cfg DetectConfig, opts ...LimitedOption) (Engine, error) {
	base := NewOllamaEngine(cfg.OllamaBaseURL)
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = ratelimit.DefaultPolicy()
	}
	return NewLimited(base,
		ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.GenerateRPM, Burst: cfg.Burst}),
		ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.EmbedRPM, Burst: cfg.Burst}),
		policy,
		opts...,
	), nil
}
