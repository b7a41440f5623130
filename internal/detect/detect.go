// Package detect decides whether a browser page is a CAPTCHA or block page.
// Detection is a set of replaceable signals; marker strings drift with the
// target site and are loaded from the site profile.
package detect

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/profile"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
)

// Result is the outcome of a detection pass.
type Result struct {
	Blocked bool
	Type    BlockType
	Signal  string // name of the signal that fired
}

// Signal is one detection strategy.
type Signal interface {
	Name() string
	Detect(ctx context.Context, page browser.Page) (BlockType, error)
}

// Detector evaluates signals in order and reports the first that fires.
type Detector struct {
	signals []Signal
}

// New creates a detector from signals.
func New(signals ...Signal) *Detector {
	return &Detector{signals: signals}
}

// FromProfile builds the selector, URL and text signals described by s.
// genericText adds the site-independent challenge wording of ClassifyText,
// which suits the search page but misfires on listing content.
func FromProfile(s profile.Signals, genericText bool) *Detector {
	var signals []Signal
	if len(s.URLContains) > 0 {
		signals = append(signals, URLSignal{Substrings: s.URLContains})
	}
	for _, sel := range s.Selectors {
		signals = append(signals, SelectorSignal{Selector: sel})
	}
	signals = append(signals, TextSignal{Markers: s.TextMarkers, Generic: genericText})
	return New(signals...)
}

// Signals returns the configured signals.
func (d *Detector) Signals() []Signal {
	return d.signals
}

// Detect runs every signal until one fires. A signal that errors is skipped;
// an unreadable page is not evidence of a block.
func (d *Detector) Detect(ctx context.Context, page browser.Page) Result {
	for _, s := range d.signals {
		bt, err := s.Detect(ctx, page)
		if err != nil {
			zap.L().Debug("detect: signal failed", zap.String("signal", s.Name()), zap.Error(err))
			continue
		}
		if bt != BlockNone {
			return Result{Blocked: true, Type: bt, Signal: s.Name()}
		}
	}
	return Result{}
}

// SelectorSignal fires when Selector matches any element.
type SelectorSignal struct {
	Selector string
}

func (s SelectorSignal) Name() string { return "selector:" + s.Selector }

func (s SelectorSignal) Detect(ctx context.Context, page browser.Page) (BlockType, error) {
	el, err := page.QueryOne(ctx, s.Selector)
	if err != nil {
		return BlockNone, err
	}
	if el != nil {
		return BlockCaptcha, nil
	}
	return BlockNone, nil
}

// URLSignal fires when the current URL contains any of Substrings.
type URLSignal struct {
	Substrings []string
}

func (s URLSignal) Name() string { return "url" }

func (s URLSignal) Detect(ctx context.Context, page browser.Page) (BlockType, error) {
	u, err := page.URL(ctx)
	if err != nil {
		return BlockNone, err
	}
	u = strings.ToLower(u)
	for _, sub := range s.Substrings {
		if sub != "" && strings.Contains(u, strings.ToLower(sub)) {
			return BlockCaptcha, nil
		}
	}
	return BlockNone, nil
}

// TextSignal fires on configured markers in the page's visible text, and on
// generic challenge wording when Generic is set.
type TextSignal struct {
	Markers []string
	Generic bool
}

func (s TextSignal) Name() string { return "text" }

func (s TextSignal) Detect(ctx context.Context, page browser.Page) (BlockType, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return BlockNone, err
	}
	text, err := VisibleText(html)
	if err != nil {
		return BlockNone, err
	}
	for _, m := range s.Markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return BlockCaptcha, nil
		}
	}
	if !s.Generic {
		return BlockNone, nil
	}
	return ClassifyText(text), nil
}

// VisibleText returns the lowercased text of the document body with script
// and style content removed.
func VisibleText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	return strings.ToLower(doc.Find("body").Text()), nil
}

// ClassifyText checks lowercased page text for anti-bot challenge wording.
func ClassifyText(lower string) BlockType {
	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return BlockCloudflare
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return BlockCaptcha
	}

	return BlockNone
}
