//go:build !integration && !windows

package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapharvest/internal/config"
	"github.com/sells-group/mapharvest/internal/harvest"
	"github.com/sells-group/mapharvest/internal/store"
)

// interruptRunner sends SIGINT to its own process and waits for the run
// context to be cancelled.
type interruptRunner struct {
	cancelled bool
}

func (r *interruptRunner) Run(ctx context.Context, _ string) (*harvest.Outcome, error) {
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		r.cancelled = true
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, errors.New("context not cancelled")
	}
}

func TestScrape_InterruptCancelsRun(t *testing.T) {
	useTestConfig(t)
	runner := &interruptRunner{}
	orig := newHarvester
	newHarvester = func(*config.Config, store.Store) (harvestRunner, error) { return runner, nil }
	t.Cleanup(func() { newHarvester = orig })
	setScrapeFlag(t, "query", "cafe")

	err := scrapeCmd.RunE(scrapeCmd, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, runner.cancelled)
}
