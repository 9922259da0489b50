package browser

import (
	"log/slog"
	"testing"
	"time"

	"github.com/maltedev/shop-scraper/internal/site"
	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, "en-IN", opts.Locale)
	assert.Equal(t, "Asia/Kolkata", opts.TimezoneID)
	assert.Contains(t, opts.AcceptLanguage, "en-IN")
}

func TestLaunchArgs(t *testing.T) {
	opts := DefaultOptions()
	opts.ViewportWidth = 800
	opts.ViewportHeight = 600

	args := launchArgs(opts)
	assert.Contains(t, args, "--window-size=800,600")
	assert.Contains(t, args, "--no-sandbox")
	for _, arg := range args {
		assert.NotContains(t, arg, "AutomationControlled")
	}
}

func TestRendererOptions(t *testing.T) {
	r := NewRenderer(&Browser{logger: slog.Default()}, WithWaitTimeout(2*time.Second), WithMaxRetries(5))

	assert.Equal(t, 2*time.Second, r.waitTimeout)
	assert.Equal(t, 5, r.maxRetries)

	r = NewRenderer(&Browser{logger: slog.Default()}, WithWaitTimeout(0), WithMaxRetries(-1))
	assert.Equal(t, 10*time.Second, r.waitTimeout)
	assert.Equal(t, 3, r.maxRetries)
}

func TestDecodeCards(t *testing.T) {
	result := []interface{}{
		map[string]interface{}{
			"title":         "Phone A",
			"href":          "https://www.amazon.in/Phone-A/dp/A1",
			"priceWhole":    "9,999.",
			"priceFraction": "00",
			"rating":        "4.1 out of 5 stars",
		},
		"not a card",
		map[string]interface{}{"title": "Phone No Price", "href": "https://www.amazon.in/Phone-N/dp/A2", "priceWhole": nil},
		map[string]interface{}{"title": "Phone B"},
	}

	cards := decodeCards(result, 2)
	assert.Equal(t, []site.RawCard{
		{
			Title:         "Phone A",
			Href:          "https://www.amazon.in/Phone-A/dp/A1",
			PriceWhole:    "9,999.",
			PriceFraction: "00",
			Rating:        "4.1 out of 5 stars",
		},
		{Title: "Phone No Price", Href: "https://www.amazon.in/Phone-N/dp/A2"},
	}, cards)

	assert.Len(t, decodeCards(result, 10), 3)
	assert.Empty(t, decodeCards(nil, 5))
	assert.Empty(t, decodeCards(map[string]interface{}{}, 5))
}
