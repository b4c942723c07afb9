// Package ratecontrol bounds concurrent external calls and paces requests
// against provider limits.
package ratecontrol

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Anansitrading/HYPERCOG/internal/metrics"
)

// DefaultCapacity is the default number of concurrent admissions
const DefaultCapacity = 10

// Limiter is a FIFO admission limiter shared by every fan-out in the process.
// Waiters are admitted in arrival order.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	logger   *zap.Logger
}

// NewLimiter returns a limiter admitting up to capacity holders at once
func NewLimiter(capacity int, logger *zap.Logger) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		logger:   logger,
	}
}

// Acquire blocks until a slot is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	wait := time.Since(start)
	metrics.AdmissionWait.Observe(wait.Seconds())
	metrics.AdmissionInFlight.Set(float64(l.inFlight.Add(1)))
	if wait > time.Second {
		l.logger.Debug("Admission slot acquired after wait",
			zap.Duration("wait", wait),
			zap.Int64("capacity", l.capacity),
		)
	}
	return nil
}

// Release frees a slot taken by Acquire
func (l *Limiter) Release() {
	metrics.AdmissionInFlight.Set(float64(l.inFlight.Add(-1)))
	l.sem.Release(1)
}

// Do runs fn while holding one slot
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// InFlight returns the number of held slots
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

// Capacity returns the slot count
func (l *Limiter) Capacity() int { return int(l.capacity) }
