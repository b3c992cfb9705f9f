package audit

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists audit records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
// Schema is managed by the migrations in migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	featuresJSON, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO decisions (id, trans_num, decision, score, amount, merchant, category, event_time, features, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trans_num) DO NOTHING
	`, rec.ID, rec.TransNum, rec.Decision, rec.Score, rec.Amount,
		rec.Merchant, rec.Category, rec.EventTime, featuresJSON, rec.CreatedAt)
	return err
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trans_num, decision, score, amount, merchant, category, event_time, features, created_at
		FROM decisions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*Record
	for rows.Next() {
		rec := &Record{}
		var featuresJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.TransNum, &rec.Decision, &rec.Score, &rec.Amount,
			&rec.Merchant, &rec.Category, &rec.EventTime, &featuresJSON, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(featuresJSON) > 0 {
			if err := json.Unmarshal(featuresJSON, &rec.Features); err != nil {
				return nil, err
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (p *PostgresStore) CountByDecision(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT decision, COUNT(*) FROM decisions GROUP BY decision
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		out[decision] = count
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
