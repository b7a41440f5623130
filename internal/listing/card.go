package listing

import (
	"context"

	"github.com/sells-group/mapharvest/internal/browser"
	"github.com/sells-group/mapharvest/internal/model"
)

type cardKind int

const (
	cardNew cardKind = iota
	cardDuplicate
	cardSkipped
)

// cardResult is the outcome of extracting one card.
type cardResult struct {
	kind   cardKind
	entry  *model.ListingEntry
	reason string
}

func skip(reason string) cardResult {
	return cardResult{kind: cardSkipped, reason: reason}
}

// extract reads (key, name, address) from a card. Keys already in set are
// reported as duplicates without reading the remaining fields.
func (c *Collector) extract(ctx context.Context, card browser.Element, set *model.EntrySet) cardResult {
	sel := c.prof.Selectors

	link, err := card.Query(ctx, sel.CardLink)
	if err != nil {
		return skip("link query: " + err.Error())
	}
	if link == nil {
		return skip("no link")
	}
	href, err := link.Attr(ctx, "href")
	if err != nil {
		return skip("href: " + err.Error())
	}
	key := c.prof.AbsoluteLink(href)
	if key == "" {
		return skip("empty href")
	}
	if set.Has(key) {
		return cardResult{kind: cardDuplicate}
	}

	name, err := optionalText(ctx, card, sel.CardTitle)
	if err != nil {
		return skip("title: " + err.Error())
	}
	address, err := optionalText(ctx, card, sel.CardAddress)
	if err != nil {
		return skip("address: " + err.Error())
	}

	return cardResult{kind: cardNew, entry: model.NewListingEntry(key, name, address)}
}

// optionalText returns the text of the first match of selector inside el, or
// "" when there is none.
func optionalText(ctx context.Context, el browser.Element, selector string) (string, error) {
	if selector == "" {
		return "", nil
	}
	child, err := el.Query(ctx, selector)
	if err != nil || child == nil {
		return "", err
	}
	return child.Text(ctx)
}
