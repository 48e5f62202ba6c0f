package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimited wraps a Provider with a client-side request rate limit, so
// bulk extraction cannot saturate a local model server or burn through a
// metered API quota.
type rateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so that chat and embed calls are admitted at most
// rps per second with the given burst. A non-positive rps returns p
// unchanged.
func RateLimited(p Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{inner: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Chat(ctx, req)
}

func (r *rateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}

func (r *rateLimited) CheckHealth(ctx context.Context) error {
	// Health checks bypass the limiter.
	return r.inner.CheckHealth(ctx)
}
