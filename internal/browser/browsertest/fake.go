// Package browsertest provides scripted in-memory implementations of the
// browser interfaces for tests.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapharvest/internal/browser"
)

// Element is a static DOM node.
type Element struct {
	Attrs    map[string]string
	Content  string
	Children map[string]*Element
	OnClick  func()

	mu       sync.Mutex
	clicks   int
	scrolled int
}

// NewCard builds an element with an anchor child carrying href and optional
// title/address children keyed by their selectors.
func NewCard(href string, fields map[string]string) *Element {
	el := &Element{Children: map[string]*Element{}}
	if href != "" {
		el.Children["a"] = &Element{Attrs: map[string]string{"href": href}}
	}
	for sel, text := range fields {
		el.Children[sel] = &Element{Content: text}
	}
	return el
}

func (e *Element) Query(_ context.Context, selector string) (browser.Element, error) {
	if c, ok := e.Children[selector]; ok && c != nil {
		return c, nil
	}
	return nil, nil
}

func (e *Element) Attr(_ context.Context, name string) (string, error) {
	return e.Attrs[name], nil
}

func (e *Element) Text(_ context.Context) (string, error) {
	return e.Content, nil
}

func (e *Element) Click(_ context.Context) error {
	e.mu.Lock()
	e.clicks++
	fn := e.OnClick
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (e *Element) ScrollIntoView(_ context.Context) error {
	e.mu.Lock()
	e.scrolled++
	e.mu.Unlock()
	return nil
}

// Clicks returns how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Scrolled returns how many times the element was scrolled into view.
func (e *Element) Scrolled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scrolled
}

// Page is a scripted tab. Unset hooks fall back to the static fields:
// QueryAll returns Nodes[selector], WaitFor succeeds when Nodes[selector] is
// non-empty and otherwise returns browser.ErrTimeout.
type Page struct {
	Nodes    map[string][]*Element
	Document string
	Location string

	NavigateFunc func(ctx context.Context, url string, timeout time.Duration) error
	QueryAllFunc func(selector string) []*Element
	WaitForFunc  func(ctx context.Context, selector string, timeout time.Duration) error
	HTMLFunc     func() string

	mu           sync.Mutex
	navigations  []string
	keys         []browser.Key
	fills        map[string]string
	clicks       []string
	hovers       []string
	cookieClears int
	screenshots  int
	closed       bool
}

// NewPage returns an empty page.
func NewPage() *Page {
	return &Page{Nodes: map[string][]*Element{}}
}

func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	p.Location = url
	fn := p.NavigateFunc
	p.mu.Unlock()
	if fn != nil {
		// fn may redirect via SetLocation.
		if err := fn(ctx, url, timeout); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// SetLocation changes the URL reported by URL.
func (p *Page) SetLocation(u string) {
	p.mu.Lock()
	p.Location = u
	p.mu.Unlock()
}

func (p *Page) URL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Location, nil
}

func (p *Page) HTML(_ context.Context) (string, error) {
	if p.HTMLFunc != nil {
		return p.HTMLFunc(), nil
	}
	return p.Document, nil
}

func (p *Page) lookup(selector string) []*Element {
	if p.QueryAllFunc != nil {
		return p.QueryAllFunc(selector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Nodes[selector]
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes := p.lookup(selector)
	out := make([]browser.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	return out, nil
}

func (p *Page) QueryOne(ctx context.Context, selector string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes := p.lookup(selector)
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if p.WaitForFunc != nil {
		return p.WaitForFunc(ctx, selector, timeout)
	}
	if len(p.lookup(selector)) > 0 {
		return nil
	}
	return eris.Wrapf(browser.ErrTimeout, "wait for %s", selector)
}

func (p *Page) Fill(_ context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fills == nil {
		p.fills = map[string]string{}
	}
	p.fills[selector] = text
	return nil
}

func (p *Page) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	p.mu.Unlock()
	return nil
}

func (p *Page) Hover(_ context.Context, selector string) error {
	p.mu.Lock()
	p.hovers = append(p.hovers, selector)
	p.mu.Unlock()
	return nil
}

func (p *Page) Press(_ context.Context, key browser.Key) error {
	p.mu.Lock()
	p.keys = append(p.keys, key)
	p.mu.Unlock()
	return nil
}

func (p *Page) Screenshot(_ context.Context) ([]byte, error) {
	p.mu.Lock()
	p.screenshots++
	p.mu.Unlock()
	return []byte("\x89PNG"), nil
}

func (p *Page) ClearCookies(_ context.Context) error {
	p.mu.Lock()
	p.cookieClears++
	p.mu.Unlock()
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Navigations returns every URL passed to Navigate.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Keys returns every key pressed.
func (p *Page) Keys() []browser.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Key(nil), p.keys...)
}

// CountKey returns how many times key was pressed.
func (p *Page) CountKey(key browser.Key) int {
	n := 0
	for _, k := range p.Keys() {
		if k == key {
			n++
		}
	}
	return n
}

// Filled returns the text filled into selector.
func (p *Page) Filled(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fills[selector]
}

// Clicks returns the selectors clicked via Page.Click.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Hovers returns the selectors hovered.
func (p *Page) Hovers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hovers...)
}

// CookieClears returns how many times cookies were cleared.
func (p *Page) CookieClears() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookieClears
}

// Screenshots returns how many screenshots were taken.
func (p *Page) Screenshots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenshots
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Session hands out pages from NewPageFunc, or fresh empty pages.
type Session struct {
	NewPageFunc func(ctx context.Context) (browser.Page, error)

	mu     sync.Mutex
	pages  int
	closed bool
}

func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, browser.ErrClosed
	}
	s.pages++
	s.mu.Unlock()
	if s.NewPageFunc != nil {
		return s.NewPageFunc(ctx)
	}
	return NewPage(), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// PagesOpened returns the number of NewPage calls.
func (s *Session) PagesOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Launcher returns sessions from LaunchFunc, or a shared Session.
type Launcher struct {
	LaunchFunc func(ctx context.Context, id browser.Identity) (browser.Session, error)
	Session    *Session

	mu         sync.Mutex
	identities []browser.Identity
}

func (l *Launcher) Launch(ctx context.Context, id browser.Identity) (browser.Session, error) {
	l.mu.Lock()
	l.identities = append(l.identities, id)
	l.mu.Unlock()
	if l.LaunchFunc != nil {
		return l.LaunchFunc(ctx, id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Session == nil {
		l.Session = &Session{}
	}
	return l.Session, nil
}

// Identities returns every identity a session was launched with.
func (l *Launcher) Identities() []browser.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.Identity(nil), l.identities...)
}
