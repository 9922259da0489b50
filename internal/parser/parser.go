package parser

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/shop-scraper/internal/models"
)

// Extractor recovers product fields from a parsed document. Every method
// reports absence with false instead of an error.
type Extractor interface {
	Title(doc *goquery.Document) (string, bool)
	Price(doc *goquery.Document) (string, bool)
	Rating(doc *goquery.Document) (string, bool)
	Description(doc *goquery.Document) (string, bool)
	Extract(doc *goquery.Document) models.ExtractedFields
}
