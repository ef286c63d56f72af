package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/tradeloop-engine/internal/cache"
	"github.com/rawblock/tradeloop-engine/internal/webhook"
	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Optional Postgres audit store. The engine is fully functional without
// it: when DATABASE_URL is unset or the pool cannot be reached the
// process logs a warning and runs in-memory only. When present it keeps a
// durable trail of retired trade loops and webhook dead letters for
// offline investigation.

// schemaSQL is compiled into the binary at build time so schema init
// works inside the runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("Connected to PostgreSQL audit store")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema DDL.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("Trade audit schema initialized")
	return nil
}

// SaveRetiredCycle records a cache entry retired by a mutation. Satisfies
// the dispatcher's audit sink.
func (s *PostgresStore) SaveRetiredCycle(ctx context.Context, tenantID models.TenantID, entry cache.Entry, reason string) error {
	loopJSON, err := json.Marshal(entry.Loop)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO retired_cycles
			(tenant_id, cycle_id, participants, quality_score, efficiency, loop, reason, first_seen, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tenant_id, cycle_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			retired_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql,
		string(tenantID),
		entry.ID,
		entry.Loop.TotalParticipants,
		entry.Score.QualityScore,
		entry.Score.Efficiency,
		loopJSON,
		reason,
		entry.FirstSeen,
	)
	return err
}

// SaveDeadLetter records a webhook delivery that exhausted its attempts.
// Satisfies the webhook dispatcher's audit sink.
func (s *PostgresStore) SaveDeadLetter(ctx context.Context, dl webhook.DeadLetter) error {
	payloadJSON, err := json.Marshal(dl.Delivery.Payload)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO webhook_dead_letters
			(id, tenant_id, cycle_id, url, attempts, last_error, payload, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql,
		dl.ID,
		string(dl.TenantID),
		dl.CycleID,
		dl.URL,
		dl.Attempts,
		dl.LastError,
		payloadJSON,
		dl.FailedAt,
	)
	return err
}

// RetiredCycleCount returns the audit row count for a tenant, for /status.
func (s *PostgresStore) RetiredCycleCount(ctx context.Context, tenantID models.TenantID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM retired_cycles WHERE tenant_id = $1`, string(tenantID)).Scan(&n)
	return n, err
}
