// Package browser defines the browsing-engine capability the harvester drives
// and a chromedp-backed implementation of it.
package browser

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrTimeout is returned when a navigation or element wait exceeds its deadline.
	ErrTimeout = eris.New("browser: timeout")
	// ErrClosed is returned by operations on a closed page or session.
	ErrClosed = eris.New("browser: closed")
)

// Key is a keyboard key understood by Page.Press.
type Key string

const (
	KeyEnter    Key = "Enter"
	KeyPageDown Key = "PageDown"
	KeyEnd      Key = "End"
)

// Identity is the network identity a browser session is launched with.
// A zero Identity means a direct connection.
type Identity struct {
	Server   string
	Username string
	Password string
}

// Proxied reports whether the identity routes through a proxy.
func (i Identity) Proxied() bool { return i.Server != "" }

// Launcher starts isolated browser sessions.
type Launcher interface {
	Launch(ctx context.Context, id Identity) (Session, error)
}

// Session is one running browser. Pages opened from the same session share
// cookies and network identity.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab.
type Page interface {
	// Navigate loads url. A timeout yields ErrTimeout; the page may still be
	// partially usable afterwards.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// QueryAll returns every element matching selector, or an empty slice.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// QueryOne returns the first match or nil when nothing matches.
	QueryOne(ctx context.Context, selector string) (Element, error)
	// WaitFor blocks until selector is visible or timeout elapses (ErrTimeout).
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	Press(ctx context.Context, key Key) error
	Screenshot(ctx context.Context) ([]byte, error)
	ClearCookies(ctx context.Context) error
	Close() error
}

// Element is a handle to a DOM node.
type Element interface {
	// Query returns the first descendant matching selector, or nil.
	Query(ctx context.Context, selector string) (Element, error)
	// Attr returns the attribute value, empty when absent.
	Attr(ctx context.Context, name string) (string, error)
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	ScrollIntoView(ctx context.Context) error
}
