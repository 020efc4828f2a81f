package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// RecordStore persists records and alerts in Postgres.
//
// Expected schema:
//
//	CREATE TABLE records (
//	    id           UUID PRIMARY KEY,
//	    source_key   TEXT NOT NULL,
//	    content_hash TEXT NOT NULL,
//	    title        TEXT NOT NULL DEFAULT '',
//	    content      TEXT NOT NULL DEFAULT '',
//	    difficulty   DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    entities     JSONB,
//	    sentiment    DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    archive_uri  TEXT NOT NULL DEFAULT '',
//	    payload      JSONB,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    UNIQUE (source_key, content_hash)
//	);
//
//	CREATE TABLE alerts (
//	    id             UUID PRIMARY KEY,
//	    source_key     TEXT NOT NULL,
//	    kind           TEXT NOT NULL,
//	    threshold      DOUBLE PRECISION NOT NULL,
//	    observed_value DOUBLE PRECISION NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL
//	);
//
// The UNIQUE constraint is the dedup authority under concurrency.
// ExistingHashes serves callers that skip known items early; ON CONFLICT
// DO NOTHING closes the race for anything that slips between the check and
// the write.
type RecordStore struct {
	pool dbPool
}

// NewRecordStore constructs a RecordStore over an existing pool.
func NewRecordStore(pool dbPool) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// SaveBatch commits all records and alerts from one collect pass in a single
// transaction. Duplicate records are counted via RowsAffected and skipped;
// any other failure rolls the whole batch back.
func (s *RecordStore) SaveBatch(
	ctx context.Context,
	records []collection.PersistedRecord,
	alerts []collection.Alert,
) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, collection.Fatal(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	stored, duplicate := 0, 0
	insertRecord := `
INSERT INTO records (
	id, source_key, content_hash, title, content, difficulty,
	entities, sentiment, archive_uri, payload, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (source_key, content_hash) DO NOTHING`
	for _, rec := range records {
		entitiesJSON, err := json.Marshal(rec.Entities)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal entities: %w", err)
		}
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal payload: %w", err)
		}
		tag, err := tx.Exec(ctx, insertRecord,
			rec.ID,
			rec.SourceKey,
			rec.ContentHash,
			rec.Title,
			rec.Content,
			rec.Difficulty,
			entitiesJSON,
			rec.Sentiment,
			rec.ArchiveURI,
			payloadJSON,
			rec.CreatedAt,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			duplicate++
		} else {
			stored++
		}
	}

	insertAlert := `
INSERT INTO alerts (id, source_key, kind, threshold, observed_value, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	for _, alert := range alerts {
		if _, err := tx.Exec(ctx, insertAlert,
			alert.ID,
			alert.SourceKey,
			alert.Kind,
			alert.Threshold,
			alert.ObservedValue,
			alert.CreatedAt,
		); err != nil {
			return 0, 0, fmt.Errorf("insert alert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, collection.Fatal(fmt.Errorf("commit batch: %w", err))
	}
	return stored, duplicate, nil
}

// ExistingHashes reports which of the hashes are already stored for the
// source.
func (s *RecordStore) ExistingHashes(ctx context.Context, sourceKey string, hashes []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content_hash FROM records WHERE source_key = $1 AND content_hash = ANY($2)`,
		sourceKey, hashes)
	if err != nil {
		return nil, fmt.Errorf("existing hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hashes: %w", err)
	}
	return out, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *RecordStore) ListAlerts(ctx context.Context, filter collection.AlertFilter) ([]collection.Alert, error) {
	query := `SELECT id, source_key, kind, threshold, observed_value, created_at
FROM alerts WHERE 1=1`
	args := []any{}
	if filter.SourceKey != "" {
		args = append(args, filter.SourceKey)
		query += fmt.Sprintf(" AND source_key = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []collection.Alert
	for rows.Next() {
		var alert collection.Alert
		if err := rows.Scan(
			&alert.ID,
			&alert.SourceKey,
			&alert.Kind,
			&alert.Threshold,
			&alert.ObservedValue,
			&alert.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}
