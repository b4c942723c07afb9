package ratecontrol

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a provider quota. Zero fields are unlimited.
type RateLimit struct {
	RPM int
	TPM int
}

// CombineLimits keeps the stricter positive value of each field
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	return limit
}

// DelayForLimit is the spacing one request of estimatedTokens needs to stay
// within limit, capped at one minute.
func DelayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

// Pacer spaces requests to one provider using token buckets for requests
// and, when a TPM quota is set, for tokens.
type Pacer struct {
	limit    RateLimit
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewPacer builds a pacer for limit. Bursts allow five seconds of quota.
func NewPacer(limit RateLimit) *Pacer {
	p := &Pacer{limit: limit}
	if limit.RPM > 0 {
		p.requests = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), burst(limit.RPM))
	}
	if limit.TPM > 0 {
		p.tokens = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), max(limit.TPM/12, 1))
	}
	return p
}

// Wait blocks until a request of estimatedTokens may be sent
func (p *Pacer) Wait(ctx context.Context, estimatedTokens int) error {
	if p == nil {
		return ctx.Err()
	}
	if p.requests != nil {
		if err := p.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if p.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if b := p.tokens.Burst(); n > b {
			n = b
		}
		if err := p.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Limit returns the configured quota
func (p *Pacer) Limit() RateLimit { return p.limit }

func burst(rpm int) int {
	return max(rpm/12, 1)
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
