package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingTitle = errors.New("title is required")
	ErrMissingPrice = errors.New("price is required")
)

// SiteID names the source site of a record as it appears in exports.
type SiteID string

const (
	SiteFlipkart SiteID = "Flipkart"
	SiteAmazon   SiteID = "Amazon"
)

// Label classifies a URL or frontier entry.
type Label string

const (
	LabelListing Label = "listing"
	LabelProduct Label = "product"
	LabelUnknown Label = "unknown"
)

// ExtractedFields holds the raw strings recovered from a page. An empty
// string means the field was not found.
type ExtractedFields struct {
	Title       string `json:"title,omitempty"`
	Price       string `json:"price,omitempty"`
	Rating      string `json:"rating,omitempty"`
	Description string `json:"description,omitempty"`
}

// Missing lists the required fields that were not found.
func (f ExtractedFields) Missing() []string {
	var missing []string
	if strings.TrimSpace(f.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(f.Price) == "" {
		missing = append(missing, "price")
	}
	return missing
}

type ProductRecord struct {
	Site        SiteID    `json:"site"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	URL         string    `json:"url"`
	Rating      string    `json:"rating,omitempty"`
	Description string    `json:"description,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

func NewProductRecord(site SiteID, url string, fields ExtractedFields, fetchedAt time.Time) ProductRecord {
	return ProductRecord{
		Site:        site,
		Title:       strings.TrimSpace(fields.Title),
		Price:       strings.TrimSpace(fields.Price),
		URL:         url,
		Rating:      strings.TrimSpace(fields.Rating),
		Description: strings.TrimSpace(fields.Description),
		FetchedAt:   fetchedAt,
	}
}

// Validate reports the first missing required field.
func (r ProductRecord) Validate() error {
	if r.Title == "" {
		return ErrMissingTitle
	}
	if r.Price == "" {
		return ErrMissingPrice
	}
	return nil
}
