package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertRecordSQL = `INSERT INTO session_transcripts
	(id, session_id, started_at, ended_at, brain_mode, workflow_id, input_tokens, output_tokens, cost_usd, average_sentiment, feedback_rating, test_name, test_outcome, record)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
ON CONFLICT (id) DO NOTHING`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore inserts records into the session_transcripts table created
// by Migrate.
type PostgresStore struct {
	db   execer
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database url is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	var rating *int
	if rec.Feedback != nil {
		rating = &rec.Feedback.Rating
	}
	var testName, testOutcome *string
	if rec.Test != nil {
		testName, testOutcome = &rec.Test.Name, &rec.Test.Outcome
	}
	_, err = s.db.Exec(ctx, insertRecordSQL,
		rec.ID, rec.SessionID, rec.StartedAt, rec.EndedAt, rec.BrainMode, rec.WorkflowID,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CostUSD, rec.AverageSentiment,
		rating, testName, testOutcome, string(doc),
	)
	if err != nil {
		return fmt.Errorf("insert transcript %s: %w", rec.SessionID, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
