// Package enrich visits each collected entry's detail page and fills in its
// phone number under a concurrency cap.
package enrich

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/detect"
	"github.com/sells-group/mapharvest/internal/model"
	"github.com/sells-group/mapharvest/internal/profile"
	"github.com/sells-group/mapharvest/internal/resilience"
	"github.com/sells-group/mapharvest/internal/status"
)

// errBlocked counts toward the block breaker.
var errBlocked = eris.New("enrich: detail page blocked")

// Detector reports whether a page is a block page.
type Detector interface {
	Detect(ctx context.Context, page browser.Page) detect.Result
}

// Config controls one enrichment batch.
type Config struct {
	Concurrency int
	JitterMin   time.Duration
	JitterMax   time.Duration
	NavTimeout  time.Duration
	RevealPause time.Duration
	PhoneWait   time.Duration
	PhoneRegion string

	// PaceRate limits navigations per second across all tasks; 0 disables.
	PaceRate  float64
	PaceBurst int

	// BreakerThreshold short-circuits remaining tasks to the blocked
	// sentinel after this many consecutive blocked pages; 0 disables.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: 1,
		JitterMin:   time.Second,
		JitterMax:   4 * time.Second,
		NavTimeout:  40 * time.Second,
		RevealPause: time.Second,
		PhoneWait:   4 * time.Second,
	}
}

// Completion reports one finished task.
type Completion struct {
	Entry    *model.ListingEntry
	Phone    string
	Err      error
	Duration time.Duration
	Done     int
	Total    int
}

// Summary aggregates a finished batch.
type Summary struct {
	Total     int
	WithPhone int
	NotFound  int
	Blocked   int
	Errored   int
}

func (s *Summary) add(phone string) {
	s.Total++
	switch phone {
	case model.PhoneNotFound:
		s.NotFound++
	case model.PhoneBlocked:
		s.Blocked++
	case model.PhoneError:
		s.Errored++
	default:
		s.WithPhone++
	}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithSlots replaces the default semaphore.
func WithSlots(sl Slots) Option {
	return func(s *Scheduler) { s.slots = sl }
}

// Scheduler fans out one task per entry.
type Scheduler struct {
	cfg      Config
	prof     *profile.Profile
	pages    PageSource
	detector Detector
	slots    Slots
	pacer    *Pacer
	breaker  *resilience.CircuitBreaker
	sink     status.Sink
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler.
func New(prof *profile.Profile, cfg Config, pages PageSource, detector Detector, sink status.Sink, opts ...Option) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if sink == nil {
		sink = status.Nop{}
	}
	s := &Scheduler{
		cfg:      cfg,
		prof:     prof,
		pages:    pages,
		detector: detector,
		slots:    NewSlots(cfg.Concurrency),
		pacer:    NewPacer(cfg.PaceRate, cfg.PaceBurst),
		sink:     sink,
		sleep:    resilience.Sleep,
	}
	if cfg.BreakerThreshold > 0 {
		bc := resilience.FromCircuitConfig(cfg.BreakerThreshold, cfg.BreakerCooldown)
		bc.ShouldTrip = func(err error) bool { return errors.Is(err, errBlocked) }
		bc.OnStateChange = func(from, to resilience.CircuitState) {
			status.Logf(sink, status.Warning, "Block breaker %s -> %s", from, to)
		}
		s.breaker = resilience.NewCircuitBreaker(bc)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches every task and returns a channel yielding completions as
// they finish, in completion order. The channel is closed after the last one.
func (s *Scheduler) Start(ctx context.Context, entries []*model.ListingEntry) <-chan Completion {
	out := make(chan Completion, len(entries))
	total := len(entries)

	go func() {
		defer close(out)

		var (
			g    errgroup.Group
			mu   sync.Mutex
			done int
		)
		for _, e := range entries {
			g.Go(func() error {
				c := s.runTask(ctx, e)

				mu.Lock()
				done++
				c.Done, c.Total = done, total
				out <- c
				s.sink.Progress("enrich", c.Done, total)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// Run enriches entries, calling onDone (if non-nil) as each task finishes,
// and returns once all tasks are done.
func (s *Scheduler) Run(ctx context.Context, entries []*model.ListingEntry, onDone func(Completion)) Summary {
	var sum Summary
	status.Logf(s.sink, status.Info, "Fetching phones for %d entries (concurrency %d)", len(entries), s.cfg.Concurrency)
	for c := range s.Start(ctx, entries) {
		sum.add(c.Phone)
		if onDone != nil {
			onDone(c)
		}
	}
	status.Logf(s.sink, status.Success, "Phones done: %d found, %d not listed, %d blocked, %d errors",
		sum.WithPhone, sum.NotFound, sum.Blocked, sum.Errored)
	return sum
}

// runTask executes one task and writes the entry's phone exactly once.
func (s *Scheduler) runTask(ctx context.Context, e *model.ListingEntry) (c Completion) {
	start := time.Now()
	phone := model.PhoneError
	var taskErr error

	defer func() {
		if r := recover(); r != nil {
			phone = model.PhoneError
			taskErr = eris.Errorf("enrich: task panic: %v", r)
			zap.L().Error("enrich: task panic",
				zap.String("link", e.Key),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
		e.Phone = phone
		c = Completion{Entry: e, Phone: phone, Err: taskErr, Duration: time.Since(start)}
	}()

	phone, taskErr = s.task(ctx, e)
	return c
}

func (s *Scheduler) task(ctx context.Context, e *model.ListingEntry) (string, error) {
	if err := s.slots.Acquire(ctx); err != nil {
		return model.PhoneError, eris.Wrap(err, "enrich: acquire slot")
	}
	defer s.slots.Release()

	if s.breaker == nil {
		return s.visit(ctx, e)
	}

	var phone string
	var visitErr error
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		phone, visitErr = s.visit(ctx, e)
		if phone == model.PhoneBlocked {
			return errBlocked
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.PhoneBlocked, nil
	}
	return phone, visitErr
}

// visit paces, opens a page, navigates and extracts. The page is released
// on every path.
func (s *Scheduler) visit(ctx context.Context, e *model.ListingEntry) (string, error) {
	if err := s.sleep(ctx, resilience.Jitter(s.cfg.JitterMin, s.cfg.JitterMax)); err != nil {
		return model.PhoneError, eris.Wrap(err, "enrich: jitter")
	}
	if err := s.pacer.Wait(ctx); err != nil {
		return model.PhoneError, eris.Wrap(err, "enrich: pace")
	}

	page, release, err := s.pages.Open(ctx)
	if err != nil {
		return model.PhoneError, err
	}
	defer release()

	if err := page.Navigate(ctx, e.Key, s.cfg.NavTimeout); err != nil {
		zap.L().Debug("enrich: navigation failed", zap.String("link", e.Key), zap.Error(err))
		return model.PhoneError, err
	}

	if det := s.detector.Detect(ctx, page); det.Blocked {
		s.pacer.OnBlocked()
		status.Logf(s.sink, status.Warning, "Blocked on %s (%s)", e.Name, det.Signal)
		return model.PhoneBlocked, nil
	}
	s.pacer.OnSuccess()

	return model.JoinPhones(s.extractPhones(ctx, page)), nil
}
