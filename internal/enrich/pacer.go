package enrich

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pacer spaces detail-page navigations. Clean pages raise the rate by 20%
// (up to 2x initial); a blocked page halves it (down to initial/4).
// A nil *Pacer does nothing.
type Pacer struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewPacer creates a pacer allowing perSecond navigations with the given
// burst. It returns nil when perSecond <= 0.
func NewPacer(perSecond float64, burst int) *Pacer {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	initial := rate.Limit(perSecond)
	return &Pacer{
		limiter:     rate.NewLimiter(initial, burst),
		initialRate: initial,
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until the next navigation may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// OnSuccess raises the rate after a clean detail page.
func (p *Pacer) OnSuccess() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(min(p.currentRate*1.2, p.maxRate))
}

// OnBlocked halves the rate after a CAPTCHA page.
func (p *Pacer) OnBlocked() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(max(p.currentRate*0.5, p.minRate))
	zap.L().Warn("enrich: slowing navigation after block",
		zap.Float64("new_rate", float64(p.currentRate)),
	)
}

func (p *Pacer) set(r rate.Limit) {
	p.currentRate = r
	p.limiter.SetLimit(r)
}

// Limit returns the current rate.
func (p *Pacer) Limit() rate.Limit {
	if p == nil {
		return rate.Inf
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRate
}
