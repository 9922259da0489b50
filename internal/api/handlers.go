package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/shop-scraper/internal/crawler"
	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/storage"
)

// RunSource exposes the state of the run in progress.
type RunSource interface {
	Progress() crawler.RunProgress
	Records() []models.ProductRecord
}

// OutboxStatus reports the relay backlog. It is optional.
type OutboxStatus interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// ReportSource serves the persisted run report. It is optional.
type ReportSource interface {
	Path() string
	Stats() map[string]int
	SiteNames() []string
	Get(site string) (*storage.SiteReport, bool)
}

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

type Handlers struct {
	run    RunSource
	outbox OutboxStatus
	report ReportSource
	logger *slog.Logger
}

// NewHandlers accepts nil for outbox and report.
func NewHandlers(run RunSource, outbox OutboxStatus, report ReportSource, logger *slog.Logger) *Handlers {
	return &Handlers{
		run:    run,
		outbox: outbox,
		report: report,
		logger: logger.With("component", "api"),
	}
}

type HealthResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Outbox  *OutboxHealth `json:"outbox,omitempty"`
}

type OutboxHealth struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, err := h.outbox.PendingCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to count pending outbox events", "error", err)
		}
		deadLetter, err := h.outbox.DeadLetterCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to count dead letter events", "error", err)
		}
		resp.Outbox = &OutboxHealth{Pending: pending, DeadLetter: deadLetter}

		if pending > pendingWarnThreshold {
			resp.Status = "warning"
			resp.Message = "High number of pending outbox events"
		}
		if deadLetter > deadLetterErrorThreshold {
			resp.Status = "error"
			resp.Message = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, resp)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.run.Progress())
}

type RecordsResponse struct {
	Count   int                    `json:"count"`
	Records []models.ProductRecord `json:"records"`
}

// ListRecords returns the records saved so far in export order, optionally
// filtered by ?site= and capped by ?limit=.
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	siteFilter := strings.TrimSpace(r.URL.Query().Get("site"))

	records := make([]models.ProductRecord, 0)
	for _, rec := range h.run.Records() {
		if siteFilter != "" && !strings.EqualFold(string(rec.Site), siteFilter) {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) == limit {
			break
		}
	}

	h.respondJSON(w, http.StatusOK, RecordsResponse{Count: len(records), Records: records})
}

type ReportResponse struct {
	Path  string         `json:"path"`
	Stats map[string]int `json:"stats"`
	Sites []string       `json:"sites"`
}

// GetReport summarizes the run report: its file, the sites per state and the
// reported site names.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.report == nil {
		h.respondError(w, http.StatusNotFound, "run report is disabled")
		return
	}

	h.respondJSON(w, http.StatusOK, ReportResponse{
		Path:  h.report.Path(),
		Stats: h.report.Stats(),
		Sites: h.report.SiteNames(),
	})
}

func (h *Handlers) GetSiteReport(w http.ResponseWriter, r *http.Request) {
	if h.report == nil {
		h.respondError(w, http.StatusNotFound, "run report is disabled")
		return
	}

	name := chi.URLParam(r, "site")
	site, ok := h.report.Get(name)
	if !ok {
		h.respondError(w, http.StatusNotFound, "site not reported: "+name)
		return
	}

	h.respondJSON(w, http.StatusOK, site)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
