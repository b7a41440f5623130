// Package listing submits a search and harvests result cards from an
// infinite-scroll results pane.
package listing

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/model"
	"github.com/sells-group/mapharvest/internal/profile"
	"github.com/sells-group/mapharvest/internal/resilience"
	"github.com/sells-group/mapharvest/internal/status"
)

// ErrResultsMissing is returned when the results pane never appears after
// submitting the query.
var ErrResultsMissing = eris.New("listing: results list did not appear")

// Config bounds the scroll loop.
type Config struct {
	MaxScrolls     int
	StuckThreshold int
	EndEvery       int // press End on every EndEvery-th iteration, starting with the first
	ScrollDelay    time.Duration
	ResultsTimeout time.Duration
}

// DefaultConfig returns the reference budgets.
func DefaultConfig() Config {
	return Config{
		MaxScrolls:     30,
		StuckThreshold: 4,
		EndEvery:       5,
		ScrollDelay:    time.Second,
		ResultsTimeout: 20 * time.Second,
	}
}

// Result is the outcome of one collection.
type Result struct {
	Entries    []*model.ListingEntry
	Iterations int
	StopReason model.StopReason
	Skipped    int    // cards that could not be extracted
	Screenshot []byte // captured when the results pane is missing
}

// Collector drives the search UI of one page.
type Collector struct {
	cfg   Config
	prof  *profile.Profile
	sink  status.Sink
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Collector.
func New(prof *profile.Profile, cfg Config, sink status.Sink) *Collector {
	def := DefaultConfig()
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = def.MaxScrolls
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.EndEvery <= 0 {
		cfg.EndEvery = def.EndEvery
	}
	if sink == nil {
		sink = status.Nop{}
	}
	return &Collector{cfg: cfg, prof: prof, sink: sink, sleep: resilience.Sleep}
}

// Collect submits query on a ready page and scrolls the results until they
// converge or the scroll budget runs out. On cancellation it returns the
// entries gathered so far together with the context error.
func (c *Collector) Collect(ctx context.Context, page browser.Page, query string) (Result, error) {
	sel := c.prof.Selectors
	log := zap.L().With(zap.String("component", "listing"), zap.String("query", query))

	if err := c.submit(ctx, page, query); err != nil {
		res := Result{StopReason: model.StopNoResults}
		if shot, serr := page.Screenshot(ctx); serr == nil {
			res.Screenshot = shot
		}
		status.Logf(c.sink, status.Error, "Results list did not appear for %q", query)
		log.Warn("submit failed", zap.Error(err))
		return res, err
	}

	// Focus the list so key presses scroll it.
	if err := page.Click(ctx, sel.ResultsList); err != nil {
		log.Debug("focus results list", zap.Error(err))
	}

	set := model.NewEntrySet()
	state := scrollState{}
	res := Result{StopReason: model.StopBudget}

	for state.iteration < c.cfg.MaxScrolls {
		state.iteration++

		cards := c.cards(ctx, page)
		for _, card := range cards {
			r := c.extract(ctx, card, set)
			switch r.kind {
			case cardSkipped:
				res.Skipped++
				log.Debug("card skipped", zap.String("reason", r.reason))
			case cardNew:
				set.Add(r.entry)
			}
		}

		count := set.Len()
		c.sink.Progress("listing", state.iteration, c.cfg.MaxScrolls)
		status.Logf(c.sink, status.Info, "Scroll %d/%d: %d found", state.iteration, c.cfg.MaxScrolls, count)

		if state.observe(count, c.cfg.StuckThreshold) {
			res.StopReason = model.StopConverged
			break
		}

		c.advance(ctx, page, cards, state.iteration)

		if err := c.sleep(ctx, c.cfg.ScrollDelay); err != nil {
			res.Entries = set.Entries()
			res.Iterations = state.iteration
			res.StopReason = model.StopInterrupted
			return res, eris.Wrap(err, "listing: interrupted")
		}
	}

	res.Entries = set.Entries()
	res.Iterations = state.iteration
	if len(res.Entries) == 0 {
		res.StopReason = model.StopNoResults
	}
	log.Info("listing collected",
		zap.Int("entries", len(res.Entries)),
		zap.Int("iterations", res.Iterations),
		zap.String("stop_reason", string(res.StopReason)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (c *Collector) submit(ctx context.Context, page browser.Page, query string) error {
	sel := c.prof.Selectors
	if err := page.Fill(ctx, sel.SearchInput, query); err != nil {
		return eris.Wrap(err, "listing: fill search input")
	}
	if err := page.Press(ctx, browser.KeyEnter); err != nil {
		return eris.Wrap(err, "listing: submit search")
	}
	if err := page.WaitFor(ctx, sel.ResultsList, c.cfg.ResultsTimeout); err != nil {
		return eris.Wrapf(ErrResultsMissing, "%v", err)
	}
	return nil
}

// cards returns the visible result cards, falling back to the alternate
// markup when the primary selector matches nothing.
func (c *Collector) cards(ctx context.Context, page browser.Page) []browser.Element {
	sel := c.prof.Selectors
	cards, err := page.QueryAll(ctx, sel.Card)
	if err == nil && len(cards) > 0 {
		return cards
	}
	if sel.CardFallback == "" {
		return nil
	}
	cards, err = page.QueryAll(ctx, sel.CardFallback)
	if err != nil {
		return nil
	}
	return cards
}

// advance scrolls the results pane. Failures are ignored; the next
// iteration simply sees the same cards.
func (c *Collector) advance(ctx context.Context, page browser.Page, cards []browser.Element, iteration int) {
	_ = page.Hover(ctx, c.prof.Selectors.ResultsList)
	_ = page.Press(ctx, browser.KeyPageDown)
	if (iteration-1)%c.cfg.EndEvery == 0 {
		_ = page.Press(ctx, browser.KeyEnd)
	}
	if len(cards) > 0 {
		_ = cards[len(cards)-1].ScrollIntoView(ctx)
	}
}
