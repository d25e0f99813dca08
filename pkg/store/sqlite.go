package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forkshield/settle/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLite is the default durable store: a single embedded database file,
// schema created on open.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing database handle and migrates the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS heads (
		head_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		participants JSON NOT NULL,
		metadata JSON,
		orders JSON NOT NULL,
		created_at TEXT NOT NULL,
		finalized_at TEXT
	);
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT NOT NULL,
		head_id TEXT NOT NULL,
		order_type TEXT NOT NULL,
		verdict TEXT NOT NULL,
		fused_score REAL NOT NULL,
		evidence_hash TEXT NOT NULL,
		agent_votes JSON NOT NULL,
		proof_ref TEXT,
		signatures JSON NOT NULL,
		idempotency_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (head_id, order_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idem ON orders (head_id, idempotency_key);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) SaveHead(ctx context.Context, h *contracts.Head) error {
	participants, metadata, orderIDs := marshalHeadJSON(h)
	var finalized any
	if h.FinalizedAt != nil {
		finalized = h.FinalizedAt.UTC().Format(time.RFC3339Nano)
	}
	query := `INSERT INTO heads (head_id, session_id, status, participants, metadata, orders, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (head_id) DO UPDATE SET
			status = excluded.status,
			orders = excluded.orders,
			finalized_at = excluded.finalized_at`
	_, err := s.db.ExecContext(ctx, query,
		h.HeadID, h.SessionID, string(h.Status), participants, metadata,
		orderIDs, h.CreatedAt.UTC().Format(time.RFC3339Nano), finalized,
	)
	if err != nil {
		return contracts.WrapErr(contracts.KindNetwork, h.HeadID, "", fmt.Errorf("save head: %w", err))
	}
	return nil
}

func (s *SQLite) GetHead(ctx context.Context, headID string) (*contracts.Head, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT head_id, session_id, status, participants, metadata, orders, created_at, finalized_at
		 FROM heads WHERE head_id = ?`, headID)
	return scanHead(row, headID)
}

func (s *SQLite) ListHeadIDs(ctx context.Context) ([]string, error) {
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

func (s *SQLite) SaveOrder(ctx context.Context, o *contracts.Order) error {
	votes, sigs := marshalOrderJSON(o)
	var proof any
	if o.ProofRef != nil {
		proof = *o.ProofRef
	}
	query := `INSERT INTO orders (order_id, head_id, order_type, verdict, fused_score, evidence_hash,
			agent_votes, proof_ref, signatures, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (head_id, order_id) DO UPDATE SET proof_ref = excluded.proof_ref`
	_, err := s.db.ExecContext(ctx, query,
		o.OrderID, o.HeadID, string(o.OrderType), string(o.Verdict), o.FusedScore, o.EvidenceHash,
		votes, proof, sigs, o.IdempotencyKey, o.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return contracts.WrapErr(contracts.KindNetwork, o.HeadID, o.OrderID, fmt.Errorf("save order: %w", err))
	}
	return nil
}

func (s *SQLite) GetOrders(ctx context.Context, headID string) ([]contracts.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, head_id, order_type, verdict, fused_score, evidence_hash,
			agent_votes, proof_ref, signatures, idempotency_key, created_at
		 FROM orders WHERE head_id = ? ORDER BY order_id`, headID)
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

func (s *SQLite) PurgeHead(ctx context.Context, headID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM heads WHERE head_id = ?`, headID)
	if err != nil {
		_ = tx.Rollback()
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return contracts.Errf(contracts.KindHeadNotFound, headID, "", "head not persisted")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE head_id = ?`, headID); err != nil {
		_ = tx.Rollback()
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHead(row rowScanner, headID string) (*contracts.Head, error) {
	var (
		h            contracts.Head
		status       string
		participants string
		metadata     sql.NullString
		orderIDs     string
		createdAt    string
		finalizedAt  sql.NullString
	)
	err := row.Scan(&h.HeadID, &h.SessionID, &status, &participants, &metadata, &orderIDs, &createdAt, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Errf(contracts.KindHeadNotFound, headID, "", "head not persisted")
	}
	if err != nil {
		return nil, contracts.WrapErr(contracts.KindNetwork, headID, "", err)
	}
	h.Status = contracts.HeadStatus(status)
	if err := json.Unmarshal([]byte(participants), &h.Participants); err != nil {
		return nil, fmt.Errorf("corrupt participants JSON for head %s: %w", h.HeadID, err)
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &h.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata JSON for head %s: %w", h.HeadID, err)
		}
	}
	if err := json.Unmarshal([]byte(orderIDs), &h.Orders); err != nil {
		return nil, fmt.Errorf("corrupt orders JSON for head %s: %w", h.HeadID, err)
	}
	if h.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at for head %s: %w", h.HeadID, err)
	}
	if finalizedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finalizedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt finalized_at for head %s: %w", h.HeadID, err)
		}
		h.FinalizedAt = &t
	}
	return &h, nil
}

func scanOrder(row rowScanner) (*contracts.Order, error) {
	var (
		o         contracts.Order
		orderType string
		verdict   string
		votes     string
		proofRef  sql.NullString
		sigs      string
		createdAt string
	)
	err := row.Scan(&o.OrderID, &o.HeadID, &orderType, &verdict, &o.FusedScore, &o.EvidenceHash,
		&votes, &proofRef, &sigs, &o.IdempotencyKey, &createdAt)
	if err != nil {
		return nil, err
	}
	o.OrderType = contracts.OrderType(orderType)
	o.Verdict = contracts.Verdict(verdict)
	if err := json.Unmarshal([]byte(votes), &o.AgentVotes); err != nil {
		return nil, fmt.Errorf("corrupt agent_votes JSON in order %s: %w", o.OrderID, err)
	}
	if err := json.Unmarshal([]byte(sigs), &o.Signatures); err != nil {
		return nil, fmt.Errorf("corrupt signatures JSON in order %s: %w", o.OrderID, err)
	}
	if proofRef.Valid {
		p := proofRef.String
		o.ProofRef = &p
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at in order %s: %w", o.OrderID, err)
	}
	return &o, nil
}
