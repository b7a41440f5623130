package enrich

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/browser"
)

// extractPhones runs the phone strategies in priority order: reveal control,
// tel: links, then visible text of phone elements.
func (s *Scheduler) extractPhones(ctx context.Context, page browser.Page) []string {
	sel := s.prof.Selectors

	if sel.PhoneReveal != "" {
		if el, err := page.QueryOne(ctx, sel.PhoneReveal); err == nil && el != nil {
			if err := el.Click(ctx); err == nil {
				_ = s.sleep(ctx, s.cfg.RevealPause)
			}
		}
	}

	if sel.PhoneText != "" && s.cfg.PhoneWait > 0 {
		// Numbers render asynchronously; absence is not an error.
		_ = page.WaitFor(ctx, sel.PhoneText, s.cfg.PhoneWait)
	}

	if html, err := page.HTML(ctx); err == nil {
		if nums := s.normalizeAll(TelLinks(html, sel.PhoneLink)); len(nums) > 0 {
			return nums
		}
	} else {
		zap.L().Debug("enrich: read page html", zap.Error(err))
	}

	if sel.PhoneText == "" {
		return nil
	}
	els, err := page.QueryAll(ctx, sel.PhoneText)
	if err != nil {
		return nil
	}
	var texts []string
	for _, el := range els {
		if t, err := el.Text(ctx); err == nil {
			texts = append(texts, t)
		}
	}
	return s.normalizeAll(texts)
}

// TelLinks returns the numbers behind tel: links among the elements
// matching selector, with the scheme stripped, in document order.
func TelLinks(html, selector string) []string {
	if selector == "" {
		selector = "a[href]"
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if len(href) < 4 || !strings.EqualFold(href[:4], "tel:") {
			return
		}
		num := href[4:]
		if u, err := url.PathUnescape(num); err == nil {
			num = u
		}
		out = append(out, num)
	})
	return out
}

func (s *Scheduler) normalizeAll(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		n := NormalizePhone(r, s.cfg.PhoneRegion)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// NormalizePhone collapses whitespace in raw. When region is set and raw
// parses as a valid number for it, the number is returned in international
// format.
func NormalizePhone(raw, region string) string {
	cleaned := strings.Join(strings.Fields(raw), " ")
	if cleaned == "" || region == "" {
		return cleaned
	}
	num, err := phonenumbers.Parse(cleaned, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return cleaned
	}
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}
