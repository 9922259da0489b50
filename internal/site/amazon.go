package site

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/maltedev/shop-scraper/internal/models"
)

var amazonCardLayout = CardLayout{
	Card:          `div.s-main-slot div[data-component-type="s-search-result"]`,
	Title:         "h2 span",
	Link:          "a.a-link-normal",
	PriceWhole:    "span.a-price-whole",
	PriceFraction: "span.a-price-fraction",
	Rating:        "span.a-icon-alt",
}

var amazonProductPattern = regexp.MustCompile(`/dp/|/gp/product/`)

// Amazon renders search results client-side. Everything needed for a record
// is on the result card, so listing pages are read in bulk.
type Amazon struct {
	base   *url.URL
	symbol string
}

func NewAmazon(opts ...Option) *Amazon {
	s := newSettings("https://www.amazon.in", opts)
	return &Amazon{base: s.baseURL, symbol: s.symbol}
}

func (a *Amazon) ID() models.SiteID { return models.SiteAmazon }

func (a *Amazon) BaseURL() *url.URL { return a.base }

func (a *Amazon) ProductLinkPattern() *regexp.Regexp { return amazonProductPattern }

func (a *Amazon) CardLayout() CardLayout { return amazonCardLayout }

func (a *Amazon) BuildSearchURL(query string) string {
	return searchURL(a.base, "/s", "k", query)
}

func (a *Amazon) Classify(rawURL string) models.Label {
	path, ok := pathOf(rawURL)
	if !ok {
		return models.LabelUnknown
	}

	switch {
	case path == "/s" || strings.HasPrefix(path, "/s/"):
		return models.LabelListing
	case amazonProductPattern.MatchString(path):
		return models.LabelProduct
	}
	return models.LabelUnknown
}

// Card turns the rendered text of a result card into a record candidate. A
// card missing its title or price is returned as-is so the caller can report
// the miss.
func (a *Amazon) Card(raw RawCard) Card {
	link, _ := Absolutize(a.base, raw.Href)
	return Card{
		URL: link,
		Fields: models.ExtractedFields{
			Title:  strings.TrimSpace(raw.Title),
			Price:  a.cardPrice(raw.PriceWhole, raw.PriceFraction),
			Rating: cardRating(raw.Rating),
		},
	}
}

func (a *Amazon) cardPrice(whole, fraction string) string {
	whole = strings.TrimRight(strings.TrimSpace(whole), ".")
	if whole == "" {
		return ""
	}

	price := a.symbol + whole
	if fraction = strings.TrimSpace(fraction); fraction != "" && strings.Trim(fraction, "0") != "" {
		price += "." + fraction
	}
	return price
}

// cardRating keeps the leading number of "4.2 out of 5 stars".
func cardRating(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
