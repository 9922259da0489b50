package database

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/parser"
)

const (
	AggregateProductRecord = "product_record"
	EventRecordSaved       = "product_record.saved"
)

// RecordPayload is the outbox payload of a saved record.
type RecordPayload struct {
	RecordID    string    `json:"record_id"`
	RunID       string    `json:"run_id"`
	Site        string    `json:"site"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	PriceValue  *int64    `json:"price_value,omitempty"`
	URL         string    `json:"url"`
	Rating      string    `json:"rating,omitempty"`
	Description string    `json:"description,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// priceValue is nil when the price does not parse.
func priceValue(price string) *int64 {
	n := parser.ToNumber(price)
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return nil
	}
	v := int64(n)
	return &v
}

func newRecordPayload(id, runID uuid.UUID, rec models.ProductRecord) RecordPayload {
	return RecordPayload{
		RecordID:    id.String(),
		RunID:       runID.String(),
		Site:        string(rec.Site),
		Title:       rec.Title,
		Price:       rec.Price,
		PriceValue:  priceValue(rec.Price),
		URL:         rec.URL,
		Rating:      rec.Rating,
		Description: rec.Description,
		FetchedAt:   rec.FetchedAt.UTC(),
	}
}

// RecordStore upserts saved records keyed by (site, url) and emits an outbox
// event for each one in the same transaction.
type RecordStore struct {
	db     *DB
	outbox *OutboxRepository
	stream string
}

func NewRecordStore(db *DB, stream string) *RecordStore {
	if stream == "" {
		stream = DefaultStream
	}
	return &RecordStore{
		db:     db,
		outbox: NewOutboxRepository(db),
		stream: stream,
	}
}

func (s *RecordStore) Publish(ctx context.Context, runID uuid.UUID, rec models.ProductRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to store record %s: %w", rec.URL, err)
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		id, err := upsertRecord(ctx, tx, runID, rec)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(newRecordPayload(id, runID, rec))
		if err != nil {
			return fmt.Errorf("failed to marshal record payload: %w", err)
		}

		return s.outbox.InsertWithTx(ctx, tx, &OutboxEvent{
			AggregateType: AggregateProductRecord,
			AggregateID:   id.String(),
			EventType:     EventRecordSaved,
			Payload:       payload,
			TargetStream:  s.stream,
		})
	})
}

func upsertRecord(ctx context.Context, tx pgx.Tx, runID uuid.UUID, rec models.ProductRecord) (uuid.UUID, error) {
	query := `
		INSERT INTO product_record (
			id, run_id, site, title, price, price_value,
			url, rating, description, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (site, url) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			price_value = EXCLUDED.price_value,
			rating = EXCLUDED.rating,
			description = EXCLUDED.description,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()
		RETURNING id`

	var id uuid.UUID
	err := tx.QueryRow(ctx, query,
		uuid.New(), runID, string(rec.Site), rec.Title, rec.Price, priceValue(rec.Price),
		rec.URL, rec.Rating, rec.Description, rec.FetchedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert record: %w", err)
	}

	return id, nil
}

// CountByRun returns how many stored records were last written by runID.
func (s *RecordStore) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM product_record WHERE run_id = $1", runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
