package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures Chrome sessions.
type Options struct {
	Headless       bool
	UserAgent      string
	WindowWidth    int
	WindowHeight   int
	ExecPath       string
	BlockResources bool // abort image, media and font requests
}

// DefaultUserAgent mimics a desktop Chrome on Windows.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// blockedResourceTypes are aborted when Options.BlockResources is set.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage: true,
	network.ResourceTypeMedia: true,
	network.ResourceTypeFont:  true,
}

// IsBlockedResource reports whether requests of type rt are aborted when
// resource blocking is enabled.
func IsBlockedResource(rt network.ResourceType) bool {
	return blockedResourceTypes[rt]
}

// ChromeLauncher launches headless Chrome through chromedp.
type ChromeLauncher struct {
	opts Options
}

// NewChromeLauncher creates a launcher. Zero window dimensions default to 1920x1080.
func NewChromeLauncher(opts Options) *ChromeLauncher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	return &ChromeLauncher{opts: opts}
}

// allocatorOptions builds the exec allocator flags for id.
func (l *ChromeLauncher) allocatorOptions(id Identity) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(l.opts.UserAgent),
		chromedp.WindowSize(l.opts.WindowWidth, l.opts.WindowHeight),
	)
	if id.Proxied() {
		opts = append(opts, chromedp.ProxyServer(id.Server))
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	return opts
}

// Launch starts a browser process for id. The session lives until Close or
// until ctx is cancelled.
func (l *ChromeLauncher) Launch(ctx context.Context, id Identity) (Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, l.allocatorOptions(id)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(zap.S().Debugf),
	)

	// Starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, eris.Wrap(err, "browser: launch")
	}

	zap.L().Debug("browser: session launched", zap.Bool("proxied", id.Proxied()))

	return &chromeSession{
		ctx:      browserCtx,
		identity: id,
		opts:     l.opts,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

type chromeSession struct {
	ctx      context.Context
	identity Identity
	opts     Options
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPage opens a new tab in the session.
func (s *chromeSession) NewPage(_ context.Context) (Page, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	tabCtx, cancel := chromedp.NewContext(s.ctx)
	if err := s.setupTab(tabCtx); err != nil {
		cancel()
		return nil, eris.Wrap(err, "browser: open tab")
	}
	return &chromePage{ctx: tabCtx, cancel: cancel}, nil
}

// setupTab allocates the tab and, when needed, installs request interception
// for proxy authentication and resource blocking.
func (s *chromeSession) setupTab(tabCtx context.Context) error {
	auth := s.identity.Username != ""
	if !auth && !s.opts.BlockResources {
		return chromedp.Run(tabCtx)
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(tabCtx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: s.identity.Username,
					Password: s.identity.Password,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				if s.opts.BlockResources && IsBlockedResource(e.ResourceType) {
					_ = chromedp.Run(tabCtx, fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
					return
				}
				_ = chromedp.Run(tabCtx, fetch.ContinueRequest(e.RequestID))
			}()
		}
	})

	return chromedp.Run(tabCtx, fetch.Enable().
		WithHandleAuthRequests(auth).
		WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
}

func (s *chromeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by ctx and an optional timeout.
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "browser: cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := p.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	return nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, 0, chromedp.Location(&u)); err != nil {
		return "", eris.Wrap(err, "browser: location")
	}
	return u, nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", eris.Wrap(err, "browser: outer html")
	}
	return html, nil
}

func (p *chromePage) nodes(ctx context.Context, selector string, opts ...chromedp.QueryOption) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	opts = append(opts, chromedp.AtLeast(0))
	if err := p.run(ctx, 0, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (p *chromePage) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	nodes, err := p.nodes(ctx, selector, chromedp.ByQueryAll)
	if err != nil {
		return nil, eris.Wrapf(err, "browser: query all %s", selector)
	}
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &chromeElement{page: p, node: n})
	}
	return out, nil
}

func (p *chromePage) QueryOne(ctx context.Context, selector string) (Element, error) {
	nodes, err := p.nodes(ctx, selector, chromedp.ByQuery)
	if err != nil {
		return nil, eris.Wrapf(err, "browser: query %s", selector)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &chromeElement{page: p, node: nodes[0]}, nil
}

func (p *chromePage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return eris.Wrapf(err, "browser: wait for %s", selector)
	}
	return nil
}

func (p *chromePage) Fill(ctx context.Context, selector, text string) error {
	err := p.run(ctx, 0,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	return eris.Wrapf(err, "browser: fill %s", selector)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return eris.Wrapf(p.run(ctx, 0, chromedp.Click(selector, chromedp.ByQuery)), "browser: click %s", selector)
}

func (p *chromePage) Hover(ctx context.Context, selector string) error {
	nodes, err := p.nodes(ctx, selector, chromedp.ByQuery)
	if err != nil {
		return eris.Wrapf(err, "browser: hover %s", selector)
	}
	if len(nodes) == 0 {
		return eris.Errorf("browser: hover %s: no element", selector)
	}
	id := nodes[0].NodeID
	err = p.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		box, err := dom.GetBoxModel().WithNodeID(id).Do(ctx)
		if err != nil {
			return err
		}
		q := box.Content
		if len(q) < 8 {
			return eris.New("empty box model")
		}
		x := (q[0] + q[2] + q[4] + q[6]) / 4
		y := (q[1] + q[3] + q[5] + q[7]) / 4
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
	return eris.Wrapf(err, "browser: hover %s", selector)
}

var keyCodes = map[Key]string{
	KeyEnter:    kb.Enter,
	KeyPageDown: kb.PageDown,
	KeyEnd:      kb.End,
}

func (p *chromePage) Press(ctx context.Context, key Key) error {
	code, ok := keyCodes[key]
	if !ok {
		return eris.Errorf("browser: unsupported key %q", key)
	}
	return eris.Wrapf(p.run(ctx, 0, chromedp.KeyEvent(code)), "browser: press %s", key)
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, 0, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, eris.Wrap(err, "browser: screenshot")
	}
	return buf, nil
}

func (p *chromePage) ClearCookies(ctx context.Context) error {
	err := p.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.ClearBrowserCookies().Do(ctx)
	}))
	return eris.Wrap(err, "browser: clear cookies")
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

type chromeElement struct {
	page *chromePage
	node *cdp.Node
}

func (e *chromeElement) ids() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

func (e *chromeElement) Query(ctx context.Context, selector string) (Element, error) {
	nodes, err := e.page.nodes(ctx, selector, chromedp.ByQuery, chromedp.FromNode(e.node))
	if err != nil {
		return nil, eris.Wrapf(err, "browser: query %s in node", selector)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &chromeElement{page: e.page, node: nodes[0]}, nil
}

func (e *chromeElement) Attr(ctx context.Context, name string) (string, error) {
	var (
		v  string
		ok bool
	)
	if err := e.page.run(ctx, 0, chromedp.AttributeValue(e.ids(), name, &v, &ok, chromedp.ByNodeID)); err != nil {
		return "", eris.Wrapf(err, "browser: attribute %s", name)
	}
	return v, nil
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var s string
	if err := e.page.run(ctx, 0, chromedp.Text(e.ids(), &s, chromedp.ByNodeID)); err != nil {
		return "", eris.Wrap(err, "browser: text")
	}
	return s, nil
}

func (e *chromeElement) Click(ctx context.Context) error {
	return eris.Wrap(e.page.run(ctx, 0, chromedp.MouseClickNode(e.node)), "browser: click node")
}

func (e *chromeElement) ScrollIntoView(ctx context.Context) error {
	return eris.Wrap(e.page.run(ctx, 0, chromedp.ScrollIntoView(e.ids(), chromedp.ByNodeID)), "browser: scroll into view")
}
