package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces gateway calls to stay under a provider's requests-per-minute
// quota. It delays calls; it never repeats a failed one.
type Pacer struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewPacer wraps next so that at most rpm calls start per minute. The first
// burst calls go through immediately. rpm <= 0 disables pacing.
func NewPacer(next Gateway, rpm, burst int) *Pacer {
	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Every(time.Minute / time.Duration(rpm))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Throttle is implemented by gateways that pace their calls. Admit blocks
// until one call may start and returns the context to send it with, so a
// caller can wait on its outer context and apply a per-call deadline to the
// send alone.
type Throttle interface {
	Admit(ctx context.Context) (context.Context, error)
}

type admittedKey struct{}

// Admit waits for a slot. Send with the returned context does not wait
// again.
func (p *Pacer) Admit(ctx context.Context) (context.Context, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ctx, &GatewayError{Op: "pace", Err: err}
	}
	return context.WithValue(ctx, admittedKey{}, true), nil
}

// Send waits for a slot unless ctx came from Admit, then forwards the call.
// A cancelled or expired context while waiting is reported as a gateway
// failure.
func (p *Pacer) Send(ctx context.Context, system string, turns []Turn) (*Reply, error) {
	if ctx.Value(admittedKey{}) == nil {
		var err error
		if ctx, err = p.Admit(ctx); err != nil {
			return nil, err
		}
	}
	return p.next.Send(ctx, system, turns)
}

// PacerStats holds pacer statistics
type PacerStats struct {
	Limit  rate.Limit
	Burst  int
	Tokens float64
}

// Stats returns the current limiter state.
func (p *Pacer) Stats() PacerStats {
	return PacerStats{
		Limit:  p.limiter.Limit(),
		Burst:  p.limiter.Burst(),
		Tokens: p.limiter.Tokens(),
	}
}
