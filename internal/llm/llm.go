// Package llm implements the classification and extraction collaborators on
// top of the Anthropic Messages API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/pkg/anthropic"
)

// Config tunes the AI collaborators.
type Config struct {
	Model     string
	MaxTokens int64
	// RequestsPerSecond caps calls to the provider across all workers.
	RequestsPerSecond float64
	Burst             int
	// MaxBodyChars truncates message bodies before they are sent.
	MaxBodyChars int
	CacheTTL     string
	Retry        resilience.RetryConfig
	Breaker      resilience.BreakerConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Model:             "claude-haiku-4-5-20251001",
		MaxTokens:         512,
		RequestsPerSecond: 2,
		Burst:             4,
		MaxBodyChars:      8000,
		CacheTTL:          "1h",
		Retry:             resilience.DefaultRetryConfig(),
		Breaker:           resilience.DefaultBreakerConfig("anthropic"),
	}
}

// Service answers classify and extract requests. It is safe for concurrent use.
type Service struct {
	client  anthropic.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	cfg     Config
	log     *zap.Logger
}

// New creates a Service. Zero values in cfg fall back to DefaultConfig.
func New(client anthropic.Client, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = def.MaxBodyChars
	}
	if cfg.CacheTTL == "" {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = def.Breaker.Name
	}
	log := zap.L().With(zap.String("component", "llm"))
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}
	return &Service{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: resilience.NewBreaker(cfg.Breaker),
		cfg:     cfg,
		log:     log,
	}
}

// BreakerState reports the provider circuit's state.
func (s *Service) BreakerState() resilience.CircuitState {
	return s.breaker.State()
}

// complete sends one prompt and returns the response text.
func (s *Service) complete(ctx context.Context, task, system, user string) (string, error) {
	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "llm: rate limiter")
			}
			temp := 0.0
			resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:       s.cfg.Model,
				MaxTokens:   s.cfg.MaxTokens,
				System:      anthropic.BuildCachedSystemBlocks(system, s.cfg.CacheTTL),
				Messages:    []anthropic.Message{{Role: "user", Content: user}},
				Temperature: &temp,
			})
			if err != nil {
				return nil, classifyError(err)
			}
			return resp, nil
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "llm: %s", task)
	}

	resp.Usage.LogCost(s.cfg.Model, task)
	s.log.Debug("ai call finished",
		zap.String("task", task),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("stop_reason", resp.StopReason),
	)
	return resp.Text(), nil
}

// classifyError maps provider failures onto the retry taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := anthropic.StatusCode(err)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusBadRequest:
		return resilience.Permanent(err)
	case code == 529 || resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(err, code)
	case code == 0:
		// no response at all: network trouble
		return resilience.NewTransientError(err, 0)
	default:
		return err
	}
}

// userPrompt renders a message for the model, truncating long bodies.
func (s *Service) userPrompt(fields [][2]string, body string) string {
	var b strings.Builder
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", f[0], f[1])
	}
	body = strings.TrimSpace(body)
	if r := []rune(body); len(r) > s.cfg.MaxBodyChars {
		body = string(r[:s.cfg.MaxBodyChars]) + "\n[truncated]"
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String()
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
