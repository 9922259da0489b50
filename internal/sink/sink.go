package sink

import (
	"fmt"
	"sync"

	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/parser"
)

// Policy decides which record survives when two records share a normalized
// title.
type Policy string

const (
	PolicyFirstWins Policy = "first"
	PolicyLastWins  Policy = "last"
	PolicyCheapest  Policy = "cheapest"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFirstWins, PolicyLastWins, PolicyCheapest:
		return p, nil
	}
	return "", fmt.Errorf("unknown dedup policy %q", s)
}

type Outcome int

const (
	Added Outcome = iota
	Replaced
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

type Options struct {
	Dedup  bool
	Policy Policy
}

// ResultSink accumulates records in insertion order. A replaced record keeps
// the slot of the record it replaces.
type ResultSink struct {
	mu      sync.RWMutex
	opts    Options
	records []models.ProductRecord
	index   map[string]int
}

func New(opts Options) *ResultSink {
	if opts.Policy == "" {
		opts.Policy = PolicyFirstWins
	}
	return &ResultSink{
		opts:  opts,
		index: make(map[string]int),
	}
}

func (s *ResultSink) Add(rec models.ProductRecord) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opts.Dedup {
		s.records = append(s.records, rec)
		return Added
	}

	key := parser.NormalizeTitle(rec.Title)
	if key == "" {
		s.records = append(s.records, rec)
		return Added
	}

	i, exists := s.index[key]
	if !exists {
		s.index[key] = len(s.records)
		s.records = append(s.records, rec)
		return Added
	}

	switch s.opts.Policy {
	case PolicyLastWins:
		s.records[i] = rec
		return Replaced
	case PolicyCheapest:
		if parser.Less(rec.Price, s.records[i].Price) {
			s.records[i] = rec
			return Replaced
		}
	}

	return Dropped
}

// ExportAll returns a copy of the records in insertion order.
func (s *ResultSink) ExportAll() []models.ProductRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ProductRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *ResultSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
