package embedding

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ProviderConfig holds the protections applied around a Client.
type ProviderConfig struct {
	// MaxTokens is the truncation budget for input text (default: 8000).
	MaxTokens int

	// Timeout bounds each client call (default: 10s).
	Timeout time.Duration

	// RatePerSecond limits client calls; zero disables limiting.
	RatePerSecond float64
	Burst         int

	Breaker CircuitBreakerConfig
}

// Provider is the embedding entry point used by the rest of the system.
type Provider struct {
	client    Client
	tokenizer Tokenizer
	limiter   *rate.Limiter
	breaker   *CircuitBreaker
	maxTokens int
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewProvider wraps client. A nil tokenizer selects cl100k_base, falling back
// to ApproxTokenizer when the BPE table is unavailable.
func NewProvider(client Client, tokenizer Tokenizer, cfg ProviderConfig, logger zerolog.Logger) *Provider {
	logger = logger.With().Str("component", "embedding").Str("model", client.Model()).Logger()

	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = 8000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	if tokenizer == nil {
		bpe, err := NewBPETokenizer()
		if err != nil {
			logger.Warn().Err(err).Msg("cl100k_base unavailable, using approximate tokenizer")
			tokenizer = ApproxTokenizer{}
		} else {
			tokenizer = bpe
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Provider{
		client:    client,
		tokenizer: tokenizer,
		limiter:   limiter,
		breaker:   NewCircuitBreaker("embedding-"+client.Model(), cfg.Breaker, logger),
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Embed returns the vector for text.
//
// Empty or whitespace-only text returns (nil, nil) without calling the
// backend. Backend failures (network, auth, rate limit, open circuit) are
// logged and also return (nil, nil). Only cancellation of ctx itself is
// reported as an error.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	input := p.tokenizer.Truncate(text, p.maxTokens)

	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn().Err(err).Msg("embedding rate limit wait failed")
		return nil, nil
	}

	vec, err := p.breaker.Execute(ctx, func(ctx context.Context) ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.client.Embed(callCtx, input)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn().
			Err(err).
			Str("breaker", p.breaker.State()).
			Int("input_runes", len([]rune(input))).
			Msg("embedding failed, record left for backfill")
		return nil, nil
	}
	if len(vec) == 0 {
		return nil, nil
	}
	return vec, nil
}

// Model returns the backend model name.
func (p *Provider) Model() string {
	return p.client.Model()
}

// BreakerState reports the circuit breaker state for health checks.
func (p *Provider) BreakerState() string {
	return p.breaker.State()
}
