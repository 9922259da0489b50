package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/shop-scraper/internal/fetcher"
	"github.com/maltedev/shop-scraper/internal/site"
	"github.com/playwright-community/playwright-go"
)

// readCardsScript runs in the page against every matching card and returns
// the rendered text of the first limit cards. Links come back resolved by
// the page.
const readCardsScript = `(boxes, arg) => boxes.slice(0, arg.limit).map((box) => {
	const text = (selector) => {
		const el = selector ? box.querySelector(selector) : null;
		return el ? (el.innerText || el.textContent || '').trim() : '';
	};
	const link = arg.link ? box.querySelector(arg.link) : null;
	return {
		title: text(arg.title),
		href: link && link.href ? link.href : '',
		priceWhole: text(arg.priceWhole),
		priceFraction: text(arg.priceFraction),
		rating: text(arg.rating),
	};
})`

// Renderer reads result cards out of browser-rendered listing pages.
type Renderer struct {
	browser     *Browser
	waitTimeout time.Duration
	maxRetries  int
	logger      *slog.Logger
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithWaitTimeout bounds how long a page may take to show its first card.
func WithWaitTimeout(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// WithMaxRetries sets the number of navigation attempts per page.
func WithMaxRetries(n int) RendererOption {
	return func(r *Renderer) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// NewRenderer waits 10s for cards and tries navigation three times by default.
func NewRenderer(b *Browser, opts ...RendererOption) *Renderer {
	r := &Renderer{
		browser:     b,
		waitTimeout: 10 * time.Second,
		maxRetries:  3,
		logger:      b.logger.With("component", "renderer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadCards navigates to rawURL, waits for the first card and evaluates the
// layout against the live DOM. A page without cards yields no cards and no
// error.
func (r *Renderer) ReadCards(ctx context.Context, rawURL string, layout site.CardLayout, limit int) ([]site.RawCard, error) {
	if limit <= 0 {
		return nil, nil
	}

	page, err := r.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetcher.ErrFetchFailed, err)
	}
	defer page.Close()

	resp, err := r.browser.NavigateWithRetry(ctx, page, rawURL, r.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetcher.ErrFetchFailed, err)
	}
	if resp != nil && resp.Status() >= 400 {
		return nil, &fetcher.StatusError{URL: rawURL, StatusCode: resp.Status()}
	}

	cards := page.Locator(layout.Card)
	err = cards.First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(float64(r.waitTimeout.Milliseconds())),
	})
	if err != nil {
		r.logger.Warn("result cards did not appear", "selector", layout.Card, "url", rawURL, "error", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := cards.EvaluateAll(readCardsScript, map[string]interface{}{
		"limit":         limit,
		"title":         layout.Title,
		"link":          layout.Link,
		"priceWhole":    layout.PriceWhole,
		"priceFraction": layout.PriceFraction,
		"rating":        layout.Rating,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read cards: %w", fetcher.ErrFetchFailed, err)
	}

	return decodeCards(result, limit), nil
}

// decodeCards converts the evaluation result into cards, skipping anything
// that is not a card object.
func decodeCards(result interface{}, limit int) []site.RawCard {
	items, ok := result.([]interface{})
	if !ok {
		return nil
	}

	cards := make([]site.RawCard, 0, len(items))
	for _, item := range items {
		if len(cards) == limit {
			break
		}
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		cards = append(cards, site.RawCard{
			Title:         stringOf(m["title"]),
			Href:          stringOf(m["href"]),
			PriceWhole:    stringOf(m["priceWhole"]),
			PriceFraction: stringOf(m["priceFraction"]),
			Rating:        stringOf(m["rating"]),
		})
	}
	return cards
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}
