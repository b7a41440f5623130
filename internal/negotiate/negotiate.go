// Package negotiate brings a browser page to a usable state on the target
// site, rotating the network identity when the site answers with a CAPTCHA
// or an unresponsive UI.
package negotiate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/detect"
	"github.com/sells-group/mapharvest/internal/status"
)

// ErrNotReady is returned when the attempt budget is exhausted, or when a
// block is seen and no rotation is available. Callers must not collect
// listings from the page after this error.
var ErrNotReady = eris.New("negotiate: page not ready")

// Outcome is the terminal state of a negotiation.
type Outcome string

const (
	OutcomeReady            Outcome = "ready"
	OutcomeCaptchaExhausted Outcome = "captcha_exhausted"
	OutcomeTimeoutExhausted Outcome = "timeout_exhausted"
)

// Rotator obtains a fresh network identity.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Detector reports whether a page is a block page.
type Detector interface {
	Detect(ctx context.Context, page browser.Page) detect.Result
}

// Config bounds a negotiation.
type Config struct {
	TargetURL         string
	ReadySelector     string
	MaxAttempts       int
	NavigationTimeout time.Duration
	ReadyTimeout      time.Duration
}

// Attempt records what happened in one attempt.
type Attempt struct {
	Number        int              `json:"number"`
	NavigationErr string           `json:"navigation_error,omitempty"`
	Blocked       bool             `json:"blocked"`
	BlockType     detect.BlockType `json:"block_type,omitempty"`
	Signal        string           `json:"signal,omitempty"`
	Ready         bool             `json:"ready"`
	Rotated       bool             `json:"rotated"`
}

// Result is the outcome of Negotiate.
type Result struct {
	Outcome  Outcome   `json:"outcome"`
	Attempts []Attempt `json:"attempts"`
}

// Negotiator drives the attempt loop.
type Negotiator struct {
	cfg      Config
	detector Detector
	rotator  Rotator
	sink     status.Sink
}

// New creates a Negotiator. rotator may be nil, in which case any block is
// terminal on the first attempt.
func New(cfg Config, detector Detector, rotator Rotator, sink status.Sink) *Negotiator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if sink == nil {
		sink = status.Nop{}
	}
	return &Negotiator{cfg: cfg, detector: detector, rotator: rotator, sink: sink}
}

// Negotiate runs up to MaxAttempts attempts against page. It returns a Result
// with OutcomeReady and a nil error once the readiness marker is visible.
func (n *Negotiator) Negotiate(ctx context.Context, page browser.Page) (Result, error) {
	var res Result
	limit := n.cfg.MaxAttempts
	log := zap.L().With(zap.String("component", "negotiate"))

	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "negotiate: cancelled")
		}

		att := Attempt{Number: i}
		n.sink.Progress("negotiate", i, limit)
		status.Logf(n.sink, status.Info, "Attempt %d/%d: opening %s", i, limit, n.cfg.TargetURL)

		// A navigation timeout leaves a partially loaded page that may still be usable.
		if err := page.Navigate(ctx, n.cfg.TargetURL, n.cfg.NavigationTimeout); err != nil {
			if ctx.Err() != nil {
				return res, eris.Wrap(ctx.Err(), "negotiate: cancelled")
			}
			att.NavigationErr = err.Error()
			log.Debug("navigation incomplete", zap.Int("attempt", i), zap.Error(err))
			status.Logf(n.sink, status.Warning, "Attempt %d: navigation incomplete, checking page anyway", i)
		}

		failure := n.check(ctx, page, &att)
		if failure == OutcomeReady {
			res.Attempts = append(res.Attempts, att)
			res.Outcome = OutcomeReady
			status.Logf(n.sink, status.Success, "Page ready on attempt %d", i)
			log.Info("page ready", zap.Int("attempt", i))
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			res.Attempts = append(res.Attempts, att)
			return res, eris.Wrap(err, "negotiate: cancelled")
		}
		res.Outcome = failure

		if n.rotator == nil {
			res.Attempts = append(res.Attempts, att)
			n.sink.Log(status.Error, "Blocked and no IP rotation configured, giving up")
			return res, eris.Wrapf(ErrNotReady, "%s without rotation", failure)
		}

		if i < limit {
			status.Logf(n.sink, status.Info, "Rotating IP before attempt %d", i+1)
			if err := n.rotator.Rotate(ctx); err != nil {
				if ctx.Err() != nil {
					res.Attempts = append(res.Attempts, att)
					return res, eris.Wrap(ctx.Err(), "negotiate: cancelled")
				}
				status.Logf(n.sink, status.Warning, "IP rotation failed (%v), retrying anyway", err)
			}
			att.Rotated = true
			if err := page.ClearCookies(ctx); err != nil {
				log.Warn("clear cookies failed", zap.Error(err))
			}
		}
		res.Attempts = append(res.Attempts, att)
	}

	status.Logf(n.sink, status.Error, "Site not ready after %d attempts (%s)", limit, res.Outcome)
	log.Warn("attempts exhausted", zap.Int("attempts", limit), zap.String("outcome", string(res.Outcome)))
	return res, eris.Wrapf(ErrNotReady, "%s after %d attempts", res.Outcome, limit)
}

// check classifies the page after navigation.
func (n *Negotiator) check(ctx context.Context, page browser.Page, att *Attempt) Outcome {
	if det := n.detector.Detect(ctx, page); det.Blocked {
		att.Blocked = true
		att.BlockType = det.Type
		att.Signal = det.Signal
		status.Logf(n.sink, status.Warning, "Attempt %d: CAPTCHA detected (%s)", att.Number, det.Signal)
		return OutcomeCaptchaExhausted
	}

	// An unresponsive search UI is treated the same as a soft block.
	if err := page.WaitFor(ctx, n.cfg.ReadySelector, n.cfg.ReadyTimeout); err != nil {
		status.Logf(n.sink, status.Warning, "Attempt %d: search input did not appear", att.Number)
		return OutcomeTimeoutExhausted
	}

	att.Ready = true
	return OutcomeReady
}
