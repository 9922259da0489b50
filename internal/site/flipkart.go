package site

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/maltedev/shop-scraper/internal/models"
)

var flipkartProductPattern = regexp.MustCompile(`(?i)/p/|/itm|/product/`)

// Flipkart serves listing and product pages as server-rendered markup.
type Flipkart struct {
	base *url.URL
}

func NewFlipkart(opts ...Option) *Flipkart {
	s := newSettings("https://www.flipkart.com", opts)
	return &Flipkart{base: s.baseURL}
}

func (f *Flipkart) ID() models.SiteID { return models.SiteFlipkart }

func (f *Flipkart) BaseURL() *url.URL { return f.base }

func (f *Flipkart) ProductLinkPattern() *regexp.Regexp { return flipkartProductPattern }

func (f *Flipkart) BuildSearchURL(query string) string {
	return searchURL(f.base, "/search", "q", query)
}

func (f *Flipkart) Classify(rawURL string) models.Label {
	path, ok := pathOf(rawURL)
	if !ok {
		return models.LabelUnknown
	}

	switch {
	case strings.Contains(path, "/search"):
		return models.LabelListing
	case flipkartProductPattern.MatchString(path):
		return models.LabelProduct
	}
	return models.LabelUnknown
}
