package parser

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestFieldExtractorTitle(t *testing.T) {
	extractor := NewFieldExtractor()

	tests := []struct {
		name     string
		html     string
		expected string
		found    bool
	}{
		{
			name:     "h1 wins over everything",
			html:     `<html><head><title>Doc Title</title><meta property="og:title" content="OG Title"></head><body><h1>  Phone A  </h1></body></html>`,
			expected: "Phone A",
			found:    true,
		},
		{
			name:     "only the first h1 is considered",
			html:     `<body><h1> </h1><h1>Second</h1><meta property="og:title" content="OG Title"></body>`,
			expected: "OG Title",
			found:    true,
		},
		{
			name:     "og title when h1 missing",
			html:     `<html><head><meta property="og:title" content=" OG Title "><title>Doc Title</title></head><body></body></html>`,
			expected: "OG Title",
			found:    true,
		},
		{
			name:     "document title as last resort",
			html:     `<html><head><title> Doc Title </title></head><body><p>no heading</p></body></html>`,
			expected: "Doc Title",
			found:    true,
		},
		{
			name:  "nothing found",
			html:  `<html><body><p>plain</p></body></html>`,
			found: false,
		},
		{
			name:  "empty document",
			html:  ``,
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, ok := extractor.Title(mustDoc(t, tt.html))
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, title)
		})
	}
}

func TestFieldExtractorPrice(t *testing.T) {
	extractor := NewFieldExtractor()

	tests := []struct {
		name     string
		html     string
		expected string
		found    bool
	}{
		{
			name:     "meta price gets symbol prepended",
			html:     `<head><meta itemprop="price" content="12345"></head><body><div>₹99</div></body>`,
			expected: "₹12345",
			found:    true,
		},
		{
			name:     "meta price keeps existing symbol",
			html:     `<head><meta itemprop="price" content=" ₹12,345 "></head>`,
			expected: "₹12,345",
			found:    true,
		},
		{
			name:     "meta price with other currency is left alone",
			html:     `<head><meta itemprop="price" content="$199"></head>`,
			expected: "$199",
			found:    true,
		},
		{
			name:     "single element with amount",
			html:     `<body><div class="x"><span>Special price</span><div class="price">₹9,999</div></div></body>`,
			expected: "₹9,999",
			found:    true,
		},
		{
			name:     "only first match within text",
			html:     `<body><p>Now ₹14,500 was ₹19,999</p></body>`,
			expected: "₹14,500",
			found:    true,
		},
		{
			name:     "first amount in document order",
			html:     `<body><div>Deal <span>₹1,23,456</span> later ₹2,000</div><p>₹5</p></body>`,
			expected: "₹1,23,456",
			found:    true,
		},
		{
			name:     "trailing comma not captured",
			html:     `<body><p>₹9,999, free delivery</p></body>`,
			expected: "₹9,999",
			found:    true,
		},
		{
			name:     "script content ignored",
			html:     `<body><script>var p = "₹1";</script><span>₹250</span></body>`,
			expected: "₹250",
			found:    true,
		},
		{
			name:     "text split by comment",
			html:     `<body><span>₹<!-- x -->4,999</span></body>`,
			expected: "₹4,999",
			found:    true,
		},
		{
			name:     "data-price attribute",
			html:     `<body><div data-price=" 799 ">no symbol here</div></body>`,
			expected: "799",
			found:    true,
		},
		{
			name:     "price attribute",
			html:     `<body><div price="1099"></div></body>`,
			expected: "1099",
			found:    true,
		},
		{
			name:  "no price",
			html:  `<body><h1>Phone A</h1><p>Out of stock</p></body>`,
			found: false,
		},
		{
			name:  "symbol without digits",
			html:  `<body><p>Prices in ₹ only</p></body>`,
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, ok := extractor.Price(mustDoc(t, tt.html))
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, price)
		})
	}
}

func TestFieldExtractorCurrencyOption(t *testing.T) {
	extractor := NewFieldExtractor(WithCurrencySymbol("$"))

	price, ok := extractor.Price(mustDoc(t, `<body><p>₹500</p><p>Now $1,299</p></body>`))
	require.True(t, ok)
	assert.Equal(t, "$1,299", price)

	price, ok = extractor.Price(mustDoc(t, `<meta itemprop="price" content="42">`))
	require.True(t, ok)
	assert.Equal(t, "$42", price)
}

func TestFieldExtractorOptionalFields(t *testing.T) {
	extractor := NewFieldExtractor()

	doc := mustDoc(t, `<html><head>
		<meta name="description" content=" A fast phone ">
		</head><body><div class="_3LWZlK">4.4<img src="star.svg"></div></body></html>`)

	rating, ok := extractor.Rating(doc)
	require.True(t, ok)
	assert.Equal(t, "4.4", rating)

	desc, ok := extractor.Description(doc)
	require.True(t, ok)
	assert.Equal(t, "A fast phone", desc)

	doc = mustDoc(t, `<head><meta property="og:description" content="OG desc"></head>
		<body><span itemprop="ratingValue" content="3.9">3.9 out of 5</span></body>`)

	rating, _ = extractor.Rating(doc)
	assert.Equal(t, "3.9", rating)
	desc, _ = extractor.Description(doc)
	assert.Equal(t, "OG desc", desc)

	_, ok = extractor.Rating(mustDoc(t, `<body></body>`))
	assert.False(t, ok)
}

func TestFieldExtractorExtract(t *testing.T) {
	extractor := NewFieldExtractor()

	fields := extractor.Extract(mustDoc(t, `<html><head><meta name="description" content="d"></head>
		<body><h1>Phone B</h1><div>₹14,500</div></body></html>`))

	assert.Equal(t, "Phone B", fields.Title)
	assert.Equal(t, "₹14,500", fields.Price)
	assert.Equal(t, "d", fields.Description)
	assert.Empty(t, fields.Rating)
	assert.Empty(t, fields.Missing())
}

func TestFieldExtractorNilDocument(t *testing.T) {
	extractor := NewFieldExtractor()

	fields := extractor.Extract(nil)
	assert.Equal(t, []string{"title", "price"}, fields.Missing())
	assert.Empty(t, fields.Rating)
	assert.Empty(t, fields.Description)
}
