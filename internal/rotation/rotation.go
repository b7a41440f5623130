// Package rotation asks an external proxy endpoint for a new exit IP.
package rotation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/resilience"
)

// Options configures a Client.
type Options struct {
	URL         string
	SettleDelay time.Duration // wait after the request so the new IP takes effect
	Timeout     time.Duration // request timeout, default 30s
	HTTPClient  *http.Client
}

// Client fires rotation requests. It never retries; rotation is best-effort.
type Client struct {
	url    string
	settle time.Duration
	http   *http.Client
}

// New creates a rotation client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{url: opts.URL, settle: opts.SettleDelay, http: hc}
}

// SettleDelay returns the post-rotation wait.
func (c *Client) SettleDelay() time.Duration {
	return c.settle
}

// Trigger sends one GET to the rotation endpoint. Only HTTP 200 counts as
// success; transient status codes come back as resilience.TransientError.
func (c *Client) Trigger(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return eris.Wrap(err, "rotation: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "rotation: request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("rotation: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return eris.Wrap(statusErr, "rotation: request")
	}
	return nil
}

// Rotate triggers a rotation and then waits the settle delay whether or not
// the request succeeded. The returned error describes the request outcome;
// if ctx ends during the settle wait the context error is returned instead.
func (c *Client) Rotate(ctx context.Context) error {
	start := time.Now()
	reqErr := c.Trigger(ctx)
	if reqErr != nil {
		zap.L().Warn("rotation: request failed",
			zap.Error(reqErr),
			zap.Bool("transient", resilience.IsTransient(reqErr)),
		)
	} else {
		zap.L().Info("rotation: ip rotated", zap.Duration("latency", time.Since(start)))
	}

	if err := resilience.Sleep(ctx, c.settle); err != nil {
		return eris.Wrap(err, "rotation: settle")
	}
	return reqErr
}
