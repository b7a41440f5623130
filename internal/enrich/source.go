package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/browser"
)

// PageSource hands each task its own page. The returned release func closes
// every resource opened for the page and must be called exactly once.
type PageSource interface {
	Open(ctx context.Context) (browser.Page, func(), error)
}

// SessionPages opens one tab per task in a shared browser session.
type SessionPages struct {
	Session browser.Session
}

func (s SessionPages) Open(ctx context.Context) (browser.Page, func(), error) {
	page, err := s.Session.NewPage(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "enrich: open tab")
	}
	return page, func() { _ = page.Close() }, nil
}

// BrowserPages launches a fresh browser per task, so every detail visit gets
// its own session and, behind a rotating proxy, its own exit IP.
type BrowserPages struct {
	Launcher browser.Launcher
	Identity browser.Identity
}

func (b BrowserPages) Open(ctx context.Context) (browser.Page, func(), error) {
	sess, err := b.Launcher.Launch(ctx, b.Identity)
	if err != nil {
		return nil, nil, eris.Wrap(err, "enrich: launch browser")
	}
	page, err := sess.NewPage(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, nil, eris.Wrap(err, "enrich: open tab")
	}
	return page, func() {
		_ = page.Close()
		if err := sess.Close(); err != nil {
			zap.L().Debug("enrich: close browser", zap.Error(err))
		}
	}, nil
}
