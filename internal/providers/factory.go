package providers

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/delta/internal/config"
)

// New builds the configured provider, reading the API key from the
// environment. Missing credentials are a configuration error surfaced before
// any run starts.
func New(cfg config.LLMConfig) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "anthropic":
		key, err := apiKey(cfg.APIKeyEnv, "ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		p = NewAnthropicProvider(key, WithAnthropicModel(cfg.Model), WithAnthropicBaseURL(cfg.BaseURL))
	case "openai":
		key, err := apiKey(cfg.APIKeyEnv, "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		p = NewOpenAIProvider(key, WithOpenAIModel(cfg.Model), WithOpenAIBaseURL(cfg.BaseURL))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	if cfg.RPM > 0 {
		p = WithRateLimit(p, cfg.RPM)
	}
	return p, nil
}

func apiKey(env, fallback string) (string, error) {
	if env == "" {
		env = fallback
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("missing credentials: environment variable %s is not set", env)
	}
	return key, nil
}

// rateLimited wraps a Provider with a requests-per-minute limiter. Waits
// happen in Send so backpressure applies after hooks have shaped the request.
type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit bounds Send to rpm requests per minute with burst 1.
func WithRateLimit(p Provider, rpm int) Provider {
	return &rateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

func (r *rateLimited) Send(ctx context.Context, body []byte) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.Send(ctx, body)
}
