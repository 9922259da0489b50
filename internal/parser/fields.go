package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/shop-scraper/internal/models"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var currencySymbolPattern = regexp.MustCompile(`\p{Sc}`)

var defaultRatingSelectors = []string{
	`div._3LWZlK`,
	`[itemprop="ratingValue"]`,
}

// FieldExtractor applies ordered fallback chains to a document. It keeps no
// state between calls and is safe for concurrent use.
type FieldExtractor struct {
	symbol          string
	pricePattern    *regexp.Regexp
	ratingSelectors []string
}

// Option configures a FieldExtractor.
type Option func(*FieldExtractor)

// WithCurrencySymbol sets the symbol searched for in page text and prepended
// to bare meta prices.
func WithCurrencySymbol(symbol string) Option {
	return func(e *FieldExtractor) {
		if symbol != "" {
			e.symbol = symbol
		}
	}
}

// WithRatingSelectors replaces the selectors tried, in order, for the rating.
func WithRatingSelectors(selectors ...string) Option {
	return func(e *FieldExtractor) {
		e.ratingSelectors = selectors
	}
}

// NewFieldExtractor returns an extractor for rupee prices unless configured
// otherwise.
func NewFieldExtractor(opts ...Option) *FieldExtractor {
	e := &FieldExtractor{
		symbol:          DefaultCurrencySymbol,
		ratingSelectors: defaultRatingSelectors,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pricePattern = regexp.MustCompile(regexp.QuoteMeta(e.symbol) + `\d+(?:,\d+)*`)
	return e
}

// Title tries the first h1, then og:title, then the document title.
func (e *FieldExtractor) Title(doc *goquery.Document) (string, bool) {
	if doc == nil {
		return "", false
	}

	if title := strings.TrimSpace(doc.Find("h1").First().Text()); title != "" {
		return title, true
	}

	if title := attrOf(doc, `meta[property="og:title"]`, "content"); title != "" {
		return title, true
	}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title, true
	}

	return "", false
}

// Price tries the itemprop price meta tag, then the first currency amount in
// element text, then data-price and price attributes.
func (e *FieldExtractor) Price(doc *goquery.Document) (string, bool) {
	if doc == nil {
		return "", false
	}

	if price := attrOf(doc, `meta[itemprop="price"]`, "content"); price != "" {
		if !currencySymbolPattern.MatchString(price) {
			price = e.symbol + price
		}
		return price, true
	}

	if price, ok := e.scanText(doc); ok {
		return price, true
	}

	if price := attrOf(doc, "[data-price]", "data-price"); price != "" {
		return price, true
	}

	if price := attrOf(doc, "[price]", "price"); price != "" {
		return price, true
	}

	return "", false
}

// Rating returns the content attribute or the text of the first element
// matched by the rating selectors.
func (e *FieldExtractor) Rating(doc *goquery.Document) (string, bool) {
	if doc == nil {
		return "", false
	}

	for _, selector := range e.ratingSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if content, ok := sel.Attr("content"); ok && strings.TrimSpace(content) != "" {
			return strings.TrimSpace(content), true
		}
		if text := strings.TrimSpace(sel.Text()); text != "" {
			return text, true
		}
	}

	return "", false
}

// Description reads the description meta tag, then og:description.
func (e *FieldExtractor) Description(doc *goquery.Document) (string, bool) {
	if doc == nil {
		return "", false
	}

	for _, selector := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if desc := attrOf(doc, selector, "content"); desc != "" {
			return desc, true
		}
	}

	return "", false
}

// Extract runs every chain. Absent fields are left empty.
func (e *FieldExtractor) Extract(doc *goquery.Document) models.ExtractedFields {
	var fields models.ExtractedFields
	fields.Title, _ = e.Title(doc)
	fields.Price, _ = e.Price(doc)
	fields.Rating, _ = e.Rating(doc)
	fields.Description, _ = e.Description(doc)
	return fields
}

// scanText walks the body once in document order and returns the first
// currency amount found in an element's own text.
func (e *FieldExtractor) scanText(doc *goquery.Document) (string, bool) {
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	for _, n := range root.Nodes {
		if match, ok := e.walk(n); ok {
			return match, true
		}
	}

	return "", false
}

// walk tests contiguous runs of direct text children, so text split by a
// comment still matches while text belonging to a child element is tested
// when that child is visited.
func (e *FieldExtractor) walk(n *html.Node) (string, bool) {
	var run strings.Builder

	flush := func() (string, bool) {
		if run.Len() == 0 {
			return "", false
		}
		match := e.pricePattern.FindString(run.String())
		run.Reset()
		return match, match != ""
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			run.WriteString(c.Data)
		case html.ElementNode:
			if match, ok := flush(); ok {
				return match, true
			}
			if skipElement(c) {
				continue
			}
			if match, ok := e.walk(c); ok {
				return match, true
			}
		}
	}

	return flush()
}

func skipElement(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return true
	}
	return false
}

func attrOf(doc *goquery.Document, selector, name string) string {
	value, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(value)
}
