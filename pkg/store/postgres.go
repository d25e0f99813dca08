package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forkshield/settle/pkg/contracts"

	_ "github.com/lib/pq"
)

// Postgres is the shared-database store variant for multi-node deployments.
// Same record shapes as SQLite, Postgres placeholders and upserts.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with a DSN and migrates the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing handle without migrating; used by tests that
// stub the database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the underlying handle.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS heads (
		head_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		participants JSONB NOT NULL,
		metadata JSONB,
		orders JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		finalized_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT NOT NULL,
		head_id TEXT NOT NULL,
		order_type TEXT NOT NULL,
		verdict TEXT NOT NULL,
		fused_score DOUBLE PRECISION NOT NULL,
		evidence_hash TEXT NOT NULL,
		agent_votes JSONB NOT NULL,
		proof_ref TEXT,
		signatures JSONB NOT NULL,
		idempotency_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (head_id, order_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idem ON orders (head_id, idempotency_key);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

func (s *Postgres) SaveHead(ctx context.Context, h *contracts.Head) error {
	participants, metadata, orderIDs := marshalHeadJSON(h)
	var finalized any
	if h.FinalizedAt != nil {
		finalized = h.FinalizedAt.UTC()
	}
	query := `INSERT INTO heads (head_id, session_id, status, participants, metadata, orders, created_at, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (head_id) DO UPDATE SET
			status = excluded.status,
			orders = excluded.orders,
			finalized_at = excluded.finalized_at`
	_, err := s.db.ExecContext(ctx, query,
		h.HeadID, h.SessionID, string(h.Status), participants, metadata, orderIDs,
		h.CreatedAt.UTC(), finalized,
	)
	if err != nil {
		return contracts.WrapErr(contracts.KindNetwork, h.HeadID, "", fmt.Errorf("save head: %w", err))
	}
	return nil
}

func (s *Postgres) GetHead(ctx context.Context, headID string) (*contracts.Head, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT head_id, session_id, status, participants, metadata, orders,
			to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
			to_char(finalized_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
		 FROM heads WHERE head_id = $1`, headID)
	return scanHead(row, headID)
}

func (s *Postgres) ListHeadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT head_id FROM heads ORDER BY head_id`)
	if err != nil {
		return nil, contracts.WrapErr(contracts.KindNetwork, "", "", fmt.Errorf("list heads: %w", err))
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, contracts.WrapErr(contracts.KindNetwork, "", "", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapErr(contracts.KindNetwork, "", "", err)
	}
	return ids, nil
}

func (s *Postgres) SaveOrder(ctx context.Context, o *contracts.Order) error {
	votes, sigs := marshalOrderJSON(o)
	var proof any
	if o.ProofRef != nil {
		proof = *o.ProofRef
	}
	query := `INSERT INTO orders (order_id, head_id, order_type, verdict, fused_score, evidence_hash,
			agent_votes, proof_ref, signatures, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (head_id, order_id) DO UPDATE SET proof_ref = excluded.proof_ref`
	_, err := s.db.ExecContext(ctx, query,
		o.OrderID, o.HeadID, string(o.OrderType), string(o.Verdict), o.FusedScore, o.EvidenceHash,
		votes, proof, sigs, o.IdempotencyKey, o.CreatedAt.UTC(),
	)
	if err != nil {
		return contracts.WrapErr(contracts.KindNetwork, o.HeadID, o.OrderID, fmt.Errorf("save order: %w", err))
	}
	return nil
}

func (s *Postgres) GetOrders(ctx context.Context, headID string) ([]contracts.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, head_id, order_type, verdict, fused_score, evidence_hash,
			agent_votes, proof_ref, signatures, idempotency_key,
			to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
		 FROM orders WHERE head_id = $1 ORDER BY order_id`, headID)
	if err != nil {
		return nil, contracts.WrapErr(contracts.KindNetwork, headID, "", fmt.Errorf("get orders: %w", err))
	}
	defer func() { _ = rows.Close() }()
	var orders []contracts.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, contracts.WrapErr(contracts.KindNetwork, headID, "", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	return orders, nil
}

func (s *Postgres) PurgeHead(ctx context.Context, headID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM heads WHERE head_id = $1`, headID)
	if err != nil {
		_ = tx.Rollback()
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return contracts.Errf(contracts.KindHeadNotFound, headID, "", "head not persisted")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE head_id = $1`, headID); err != nil {
		_ = tx.Rollback()
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	return nil
}
