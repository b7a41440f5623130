package negotiate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/browser/browsertest"
	"github.com/sells-group/mapharvest/internal/detect"
	"github.com/sells-group/mapharvest/internal/status"
)

const (
	target = "https://maps.example.com"
	input  = "input.search"
)

type countingRotator struct {
	calls atomic.Int32
	err   error
	page  *browsertest.Page
}

func (r *countingRotator) Rotate(_ context.Context) error {
	r.calls.Add(1)
	if r.page != nil {
		// New identity clears the block.
		r.page.NavigateFunc = nil
	}
	return r.err
}

func captchaDetector() *detect.Detector {
	return detect.New(detect.URLSignal{Substrings: []string{"showcaptcha"}})
}

func testConfig(attempts int) Config {
	return Config{
		TargetURL:         target,
		ReadySelector:     input,
		MaxAttempts:       attempts,
		NavigationTimeout: time.Second,
		ReadyTimeout:      time.Second,
	}
}

func alwaysCaptcha(page *browsertest.Page) {
	page.NavigateFunc = func(_ context.Context, _ string, _ time.Duration) error {
		page.SetLocation(target + "/showcaptcha?retpath=maps")
		return nil
	}
}

func TestNegotiate_ReadyFirstAttempt(t *testing.T) {
	page := browsertest.NewPage()
	page.Nodes[input] = []*browsertest.Element{{}}
	rec := status.NewRecorder(0)

	res, err := New(testConfig(3), captchaDetector(), nil, rec).Negotiate(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Ready)
	assert.Equal(t, []string{target}, page.Navigations())

	events := rec.Events()
	assert.Equal(t, status.Success, events[len(events)-1].Level)
}

func TestNegotiate_AlwaysCaptchaExhaustsBudget(t *testing.T) {
	page := browsertest.NewPage()
	page.Nodes[input] = []*browsertest.Element{{}}
	alwaysCaptcha(page)
	rot := &countingRotator{}

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = New(testConfig(3), captchaDetector(), rot, nil).Negotiate(context.Background(), page)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("negotiator hung")
	}

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Equal(t, OutcomeCaptchaExhausted, res.Outcome)
	assert.Len(t, res.Attempts, 3)
	assert.Len(t, page.Navigations(), 3)
	assert.Equal(t, int32(2), rot.calls.Load(), "no rotation after the final attempt")
	assert.Equal(t, 2, page.CookieClears())
	for _, a := range res.Attempts {
		assert.True(t, a.Blocked)
		assert.Equal(t, "url", a.Signal)
	}
}

func TestNegotiate_CaptchaWithoutRotatorFailsImmediately(t *testing.T) {
	page := browsertest.NewPage()
	alwaysCaptcha(page)

	res, err := New(testConfig(5), captchaDetector(), nil, nil).Negotiate(context.Background(), page)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, OutcomeCaptchaExhausted, res.Outcome)
	assert.Len(t, page.Navigations(), 1)
	assert.Equal(t, 0, page.CookieClears())
}

func TestNegotiate_NotReadyWithoutRotator(t *testing.T) {
	page := browsertest.NewPage()

	res, err := New(testConfig(3), captchaDetector(), nil, nil).Negotiate(context.Background(), page)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, OutcomeTimeoutExhausted, res.Outcome)
	assert.Len(t, res.Attempts, 1)
}

func TestNegotiate_RotationClearsBlock(t *testing.T) {
	page := browsertest.NewPage()
	page.Nodes[input] = []*browsertest.Element{{}}
	alwaysCaptcha(page)
	rot := &countingRotator{page: page}

	res, err := New(testConfig(3), captchaDetector(), rot, nil).Negotiate(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	require.Len(t, res.Attempts, 2)
	assert.True(t, res.Attempts[0].Blocked)
	assert.True(t, res.Attempts[0].Rotated)
	assert.True(t, res.Attempts[1].Ready)
	assert.Equal(t, int32(1), rot.calls.Load())
	assert.Equal(t, 1, page.CookieClears())
}

func TestNegotiate_NavigationTimeoutIsNotFatal(t *testing.T) {
	page := browsertest.NewPage()
	page.Nodes[input] = []*browsertest.Element{{}}
	page.NavigateFunc = func(_ context.Context, _ string, _ time.Duration) error {
		return browser.ErrTimeout
	}
	rec := status.NewRecorder(0)

	res, err := New(testConfig(3), captchaDetector(), nil, rec).Negotiate(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.NotEmpty(t, res.Attempts[0].NavigationErr)

	var warned bool
	for _, e := range rec.Events() {
		if e.Level == status.Warning {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestNegotiate_RotationFailureStillRetries(t *testing.T) {
	page := browsertest.NewPage()
	rot := &countingRotator{err: errors.New("rotation endpoint down")}

	res, err := New(testConfig(3), captchaDetector(), rot, nil).Negotiate(context.Background(), page)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, OutcomeTimeoutExhausted, res.Outcome)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, int32(2), rot.calls.Load())
}

func TestNegotiate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testConfig(3), captchaDetector(), nil, nil).Negotiate(ctx, browsertest.NewPage())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrNotReady))
}
