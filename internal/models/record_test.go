package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProductRecordValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		fields  ExtractedFields
		wantErr error
	}{
		{"complete", ExtractedFields{Title: "Phone A", Price: "₹9,999"}, nil},
		{"missing title", ExtractedFields{Price: "₹9,999"}, ErrMissingTitle},
		{"whitespace title", ExtractedFields{Title: "   ", Price: "₹9,999"}, ErrMissingTitle},
		{"missing price", ExtractedFields{Title: "Phone A"}, ErrMissingPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewProductRecord(SiteFlipkart, "https://www.flipkart.com/p/1", tt.fields, now)
			assert.ErrorIs(t, rec.Validate(), tt.wantErr)
		})
	}
}

func TestExtractedFieldsMissing(t *testing.T) {
	assert.Empty(t, ExtractedFields{Title: "a", Price: "b"}.Missing())
	assert.Equal(t, []string{"title", "price"}, ExtractedFields{}.Missing())
	assert.Equal(t, []string{"price"}, ExtractedFields{Title: "a", Rating: "4.1"}.Missing())
}

func TestNewProductRecordTrims(t *testing.T) {
	rec := NewProductRecord(SiteAmazon, "u", ExtractedFields{Title: " Phone B \n", Price: " ₹14,500 ", Rating: " 4.3 "}, time.Time{})
	assert.Equal(t, "Phone B", rec.Title)
	assert.Equal(t, "₹14,500", rec.Price)
	assert.Equal(t, "4.3", rec.Rating)
	assert.Equal(t, SiteAmazon, rec.Site)
}
