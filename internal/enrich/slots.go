package enrich

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Slots is a counting semaphore bounding in-flight detail visits.
type Slots interface {
	Acquire(ctx context.Context) error
	Release()
}

type weightedSlots struct {
	sem *semaphore.Weighted
}

// NewSlots returns a semaphore with n slots.
func NewSlots(n int) Slots {
	if n < 1 {
		n = 1
	}
	return &weightedSlots{sem: semaphore.NewWeighted(int64(n))}
}

func (w *weightedSlots) Acquire(ctx context.Context) error {
	return w.sem.Acquire(ctx, 1)
}

func (w *weightedSlots) Release() {
	w.sem.Release(1)
}
