package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// SiteReport is the persisted progress of one site crawl.
type SiteReport struct {
	Site             string    `json:"site"`
	State            string    `json:"state"` // pending, running, draining, stopped, failed
	Saved            int       `json:"saved"`
	Target           int       `json:"target"`
	PagesFetched     int64     `json:"pages_fetched"`
	FetchFailures    int64     `json:"fetch_failures"`
	ExtractionMisses int64     `json:"extraction_misses"`
	Duplicates       int64     `json:"duplicates"`
	LinksEnqueued    int64     `json:"links_enqueued"`
	UpdatedAt        time.Time `json:"updated_at"`
	Error            string    `json:"error,omitempty"`
}

// RunReport is the on-disk form of a run report.
type RunReport struct {
	RunID     string                 `json:"run_id"`
	Query     string                 `json:"query"`
	Output    string                 `json:"output,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Sites     map[string]*SiteReport `json:"sites"`
}

// ReportStore keeps a run report on disk, rewriting it on every update.
type ReportStore struct {
	mu       sync.RWMutex
	report   *RunReport
	filename string
}

// NewReportStore writes an empty report for the run straight away.
func NewReportStore(filename, runID, query, output string) (*ReportStore, error) {
	if filename == "" {
		return nil, fmt.Errorf("report filename is required")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	now := time.Now().UTC()
	rs := &ReportStore{
		report: &RunReport{
			RunID:     runID,
			Query:     query,
			Output:    output,
			StartedAt: now,
			UpdatedAt: now,
			Sites:     make(map[string]*SiteReport),
		},
		filename: filename,
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.save(); err != nil {
		return nil, err
	}

	return rs, nil
}

// Update replaces the site's entry and rewrites the file.
func (rs *ReportStore) Update(site SiteReport) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if site.Site == "" {
		return fmt.Errorf("site is required")
	}

	site.UpdatedAt = time.Now().UTC()
	rs.report.Sites[site.Site] = &site
	rs.report.UpdatedAt = site.UpdatedAt

	return rs.save()
}

// Get returns a copy of the site's entry.
func (rs *ReportStore) Get(site string) (*SiteReport, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	report, exists := rs.report.Sites[site]
	if !exists {
		return nil, false
	}
	cp := *report
	return &cp, true
}

// Stats counts sites per state plus a total.
func (rs *ReportStore) Stats() map[string]int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	stats := make(map[string]int)
	for _, site := range rs.report.Sites {
		stats[site.State]++
	}
	stats["total"] = len(rs.report.Sites)
	return stats
}

// SiteNames returns the reported sites in name order.
func (rs *ReportStore) SiteNames() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	names := make([]string, 0, len(rs.report.Sites))
	for name := range rs.report.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rs *ReportStore) Path() string {
	return rs.filename
}

func (rs *ReportStore) save() error {
	data, err := json.MarshalIndent(rs.report, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := rs.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmpFile, rs.filename)
}
