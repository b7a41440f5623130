// Package harvest runs one complete scrape: negotiate a usable page, collect
// the listing, enrich every entry with phones, and publish the run.
package harvest

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/config"
	"github.com/sells-group/mapharvest/internal/detect"
	"github.com/sells-group/mapharvest/internal/enrich"
	"github.com/sells-group/mapharvest/internal/listing"
	"github.com/sells-group/mapharvest/internal/model"
	"github.com/sells-group/mapharvest/internal/negotiate"
	"github.com/sells-group/mapharvest/internal/profile"
	"github.com/sells-group/mapharvest/internal/resilience"
	"github.com/sells-group/mapharvest/internal/results"
	"github.com/sells-group/mapharvest/internal/rotation"
	"github.com/sells-group/mapharvest/internal/status"
	"github.com/sells-group/mapharvest/internal/store"
)

var (
	// ErrNoLauncher is a structural failure raised before any browsing.
	ErrNoLauncher = eris.New("harvest: no browser launcher")
	// ErrNothingFound means the listing finished without a single entry.
	ErrNothingFound = eris.New("harvest: nothing found")
	// ErrPanic wraps a recovered panic.
	ErrPanic = eris.New("harvest: unexpected failure")
)

// Deps are the collaborators of a Harvester. Rotator and Store may be nil.
type Deps struct {
	Launcher browser.Launcher
	Rotator  negotiate.Rotator
	Results  *results.Store
	Store    store.Store
	Profile  *profile.Profile
	Sink     status.Sink
}

// Outcome is everything a caller may want to render about one run.
type Outcome struct {
	Run         *model.Run
	Negotiation negotiate.Result
	Screenshot  []byte // set when the results pane never appeared
}

// Harvester orchestrates the stages of one run.
type Harvester struct {
	cfg  *config.Config
	deps Deps

	detector       *detect.Detector // search page
	detailDetector *detect.Detector // detail pages; profile markers only
}

// New creates a Harvester.
func New(cfg *config.Config, deps Deps) *Harvester {
	if deps.Profile == nil {
		deps.Profile = profile.Yandex()
	}
	if deps.Results == nil {
		deps.Results = results.New()
	}
	if deps.Sink == nil {
		deps.Sink = status.Nop{}
	}
	return &Harvester{
		cfg:            cfg,
		deps:           deps,
		detector:       detect.FromProfile(deps.Profile.Captcha, true),
		detailDetector: detect.FromProfile(deps.Profile.Captcha, false),
	}
}

// FromConfig builds a Harvester backed by headless Chrome and, when enabled,
// the rotation endpoint.
func FromConfig(cfg *config.Config, res *results.Store, st store.Store, sink status.Sink) (*Harvester, error) {
	prof, err := profile.LoadOrDefault(cfg.Profile.Path)
	if err != nil {
		return nil, eris.Wrap(err, "harvest: load profile")
	}
	return New(cfg, Deps{
		Launcher: NewLauncher(cfg.Browser),
		Rotator:  NewRotator(cfg.Proxy),
		Results:  res,
		Store:    st,
		Profile:  prof,
		Sink:     sink,
	}), nil
}

// NewLauncher creates the chromedp launcher for cfg.
func NewLauncher(cfg config.BrowserConfig) browser.Launcher {
	return browser.NewChromeLauncher(browser.Options{
		Headless:       cfg.Headless,
		UserAgent:      cfg.UserAgent,
		WindowWidth:    cfg.WindowWidth,
		WindowHeight:   cfg.WindowHeight,
		ExecPath:       cfg.ExecPath,
		BlockResources: cfg.BlockResources,
	})
}

// NewRotator returns the rotation client, or nil when rotation is off.
func NewRotator(cfg config.ProxyConfig) negotiate.Rotator {
	if !cfg.Rotate {
		return nil
	}
	return rotation.New(rotation.Options{
		URL:         cfg.RotateURL,
		SettleDelay: cfg.SettleDelay,
		Timeout:     cfg.RotateTimeout,
	})
}

// Results exposes the result store the harvester publishes to.
func (h *Harvester) Results() *results.Store {
	return h.deps.Results
}

// Run executes one harvest for query. The returned Outcome is non-nil
// whenever a run was begun, including failed ones.
func (h *Harvester) Run(ctx context.Context, query string) (out *Outcome, err error) {
	if h.deps.Launcher == nil {
		return nil, ErrNoLauncher
	}
	run, err := h.deps.Results.Begin(query)
	if err != nil {
		return nil, err
	}
	out = &Outcome{Run: run}
	started := time.Now()
	log := zap.L().With(zap.String("component", "harvest"), zap.String("run_id", run.ID), zap.String("query", query))

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error("harvest: panic", zap.Any("panic", r), zap.ByteString("stack", stack))
			status.Logf(h.deps.Sink, status.Error, "Unexpected failure: %v\n%s", r, stack)
			err = eris.Wrapf(ErrPanic, "%v", r)
			h.fail(ctx, run, started, err)
		}
	}()

	if t := h.cfg.Harvest.OperationTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	log.Info("harvest: starting")
	status.Logf(h.deps.Sink, status.Info, "Starting harvest for %q", query)

	if err := h.execute(ctx, run, out); err != nil {
		log.Warn("harvest: failed", zap.Error(err))
		h.fail(ctx, run, started, err)
		return out, err
	}

	run.Stats.DurationMs = time.Since(started).Milliseconds()
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = model.RunStatusComplete
	pubErr := h.deps.Results.Complete(run)
	h.persist(ctx, run)
	if pubErr != nil {
		log.Warn("harvest: publish results", zap.Error(pubErr))
		return out, eris.Wrap(pubErr, "harvest: publish results")
	}

	status.Logf(h.deps.Sink, status.Success, "Done: %d entries, %d with phones", len(run.Records), run.Stats.WithPhone)
	log.Info("harvest: complete",
		zap.Int("entries", len(run.Records)),
		zap.Int("with_phone", run.Stats.WithPhone),
		zap.Int64("duration_ms", run.Stats.DurationMs),
	)
	return out, nil
}

// execute runs the stages in order on one browser session.
func (h *Harvester) execute(ctx context.Context, run *model.Run, out *Outcome) error {
	prof := h.deps.Profile
	sink := h.deps.Sink

	sess, err := h.deps.Launcher.Launch(ctx, h.identity())
	if err != nil {
		return eris.Wrap(err, "harvest: launch browser")
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			zap.L().Debug("harvest: close browser", zap.Error(cerr))
		}
	}()

	page, err := sess.NewPage(ctx)
	if err != nil {
		return eris.Wrap(err, "harvest: open page")
	}
	defer page.Close() //nolint:errcheck

	neg := negotiate.New(h.negotiateConfig(), h.detector, h.deps.Rotator, sink)
	nres, err := neg.Negotiate(ctx, page)
	out.Negotiation = nres
	run.Stats.Attempts = len(nres.Attempts)
	if err != nil {
		return err
	}

	status.Logf(sink, status.Info, "[1/2] Searching: %s", run.Query)
	lres, err := listing.New(prof, h.listingConfig(), sink).Collect(ctx, page, run.Query)
	run.Stats.ScrollIterations = lres.Iterations
	run.Stats.StopReason = lres.StopReason
	run.Stats.Collected = len(lres.Entries)
	if err != nil {
		out.Screenshot = lres.Screenshot
		return err
	}
	if len(lres.Entries) == 0 {
		sink.Log(status.Error, "Nothing found.")
		return ErrNothingFound
	}
	status.Logf(sink, status.Success, "List collected: %d entries", len(lres.Entries))

	status.Logf(sink, status.Info, "[2/2] Fetching phones")
	sched := enrich.New(prof, h.enrichConfig(), h.pageSource(sess), h.detailDetector, sink)
	sched.Run(ctx, lres.Entries, nil)

	run.Records = model.Records(lres.Entries)
	run.Stats.CountPhones(run.Records)
	return nil
}

// fail publishes run as failed with an empty result set and persists it.
func (h *Harvester) fail(ctx context.Context, run *model.Run, started time.Time, cause error) {
	run.Status = model.RunStatusFailed
	run.Records = nil
	run.Error = cause.Error()
	run.Stats.DurationMs = time.Since(started).Milliseconds()
	now := time.Now().UTC()
	run.FinishedAt = &now

	if err := h.deps.Results.Fail(run.ID, cause); err != nil {
		zap.L().Warn("harvest: publish failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	status.Logf(h.deps.Sink, status.Error, "Harvest failed: %s", describe(cause))
	h.persist(ctx, run)
}

// persist saves run to the history store, retrying transient errors. It
// outlives cancellation of ctx so interrupted runs are still recorded.
func (h *Harvester) persist(ctx context.Context, run *model.Run) {
	if h.deps.Store == nil {
		return
	}
	retry := resilience.FromRetryConfig(h.cfg.Harvest.PersistAttempts, 0, 0)
	retry.OnRetry = resilience.RetryLogger("harvest", "save_run")

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err := resilience.Do(saveCtx, retry, func(ctx context.Context) error {
		return h.deps.Store.SaveRun(ctx, run)
	})
	if err != nil {
		zap.L().Warn("harvest: persist run", zap.String("run_id", run.ID), zap.Error(err))
		status.Logf(h.deps.Sink, status.Warning, "Run %s was not saved: %v", run.ID, err)
	}
}

func (h *Harvester) identity() browser.Identity {
	p := h.cfg.Proxy
	return browser.Identity{Server: p.Server, Username: p.Username, Password: p.Password}
}

func (h *Harvester) pageSource(sess browser.Session) enrich.PageSource {
	if h.cfg.Enrich.Isolation == config.IsolationBrowser {
		return enrich.BrowserPages{Launcher: h.deps.Launcher, Identity: h.identity()}
	}
	return enrich.SessionPages{Session: sess}
}

func (h *Harvester) negotiateConfig() negotiate.Config {
	c := h.cfg.Negotiate
	return negotiate.Config{
		TargetURL:         h.deps.Profile.TargetURL,
		ReadySelector:     h.deps.Profile.Selectors.SearchInput,
		MaxAttempts:       c.MaxAttempts,
		NavigationTimeout: c.NavigationTimeout,
		ReadyTimeout:      c.ReadyTimeout,
	}
}

func (h *Harvester) listingConfig() listing.Config {
	c := h.cfg.Listing
	return listing.Config{
		MaxScrolls:     c.MaxScrolls,
		StuckThreshold: c.StuckThreshold,
		EndEvery:       c.EndEvery,
		ScrollDelay:    c.ScrollDelay,
		ResultsTimeout: c.ResultsTimeout,
	}
}

func (h *Harvester) enrichConfig() enrich.Config {
	c := h.cfg.Enrich
	return enrich.Config{
		Concurrency:      c.Concurrency,
		JitterMin:        c.JitterMin,
		JitterMax:        c.JitterMax,
		NavTimeout:       c.NavTimeout,
		RevealPause:      c.RevealPause,
		PhoneWait:        c.PhoneWait,
		PhoneRegion:      c.PhoneRegion,
		PaceRate:         c.PaceRate,
		PaceBurst:        c.PaceBurst,
		BreakerThreshold: c.BlockBreakerThreshold,
		BreakerCooldown:  c.BlockBreakerCooldown,
	}
}

// describe names the failure class for the status sink.
func describe(err error) string {
	switch {
	case eris.Is(err, negotiate.ErrNotReady):
		return fmt.Sprintf("site blocked or unresponsive (%v)", err)
	case eris.Is(err, listing.ErrResultsMissing):
		return fmt.Sprintf("results list never appeared, possibly a CAPTCHA (%v)", err)
	case eris.Is(err, ErrNothingFound):
		return "no results for this query"
	case eris.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	case eris.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
