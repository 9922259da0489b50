package site

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/shop-scraper/internal/models"
)

var ErrUnknownSite = errors.New("unknown site")

// Adapter carries the site-specific knowledge the crawler needs.
type Adapter interface {
	ID() models.SiteID
	BaseURL() *url.URL
	BuildSearchURL(query string) string
	Classify(rawURL string) models.Label
	ProductLinkPattern() *regexp.Regexp
}

// CardReader is implemented by adapters whose listing pages already carry
// complete product cards. Such sites have no product-page phase: the cards are
// read in the rendered page and turned into records by Card.
type CardReader interface {
	Adapter
	CardLayout() CardLayout
	Card(raw RawCard) Card
}

// CardLayout locates the parts of a result card. Every selector except Card
// is relative to the card element.
type CardLayout struct {
	Card          string
	Title         string
	Link          string
	PriceWhole    string
	PriceFraction string
	Rating        string
}

// RawCard is the rendered text of one result card. Href is the link as
// resolved by the page.
type RawCard struct {
	Title         string
	Href          string
	PriceWhole    string
	PriceFraction string
	Rating        string
}

// Card is a result card ready to become a record.
type Card struct {
	URL    string
	Fields models.ExtractedFields
}

type settings struct {
	baseURL *url.URL
	symbol  string
}

type Option func(*settings)

// WithBaseURL points an adapter at another origin, e.g. a test server.
func WithBaseURL(u *url.URL) Option {
	return func(s *settings) {
		if u != nil {
			s.baseURL = u
		}
	}
}

// WithCurrencySymbol sets the symbol prefixed to prices that adapters
// assemble from card parts.
func WithCurrencySymbol(symbol string) Option {
	return func(s *settings) {
		if symbol != "" {
			s.symbol = symbol
		}
	}
}

func newSettings(defaultBase string, opts []Option) settings {
	base, _ := url.Parse(defaultBase)
	s := settings{baseURL: base, symbol: "₹"}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Names lists the sites New knows, in the default crawl order.
func Names() []string {
	return []string{"flipkart", "amazon"}
}

func New(name string, opts ...Option) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "flipkart":
		return NewFlipkart(opts...), nil
	case "amazon":
		return NewAmazon(opts...), nil
	}
	return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownSite, name, strings.Join(Names(), ", "))
}

// Absolutize resolves href against base. It reports false for anything that
// does not resolve to an http(s) URL.
func Absolutize(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), true
}

// ProductLinks collects anchors matching the adapter's product pattern in
// document order, absolutized and without duplicates. Malformed links are
// dropped silently.
func ProductLinks(a Adapter, doc *goquery.Document) []string {
	pattern := a.ProductLinkPattern()
	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !pattern.MatchString(href) {
			return
		}

		abs, ok := Absolutize(a.BaseURL(), href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}

		seen[abs] = struct{}{}
		links = append(links, abs)
	})

	return links
}

func searchURL(base *url.URL, path, param, query string) string {
	ref := &url.URL{
		Path:     path,
		RawQuery: url.Values{param: {query}}.Encode(),
	}
	return base.ResolveReference(ref).String()
}

func pathOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	return u.Path, true
}
