// Package ledger holds the append-only order ledger for a single head.
//
// Every entry is hash-chained to its predecessor, order IDs are assigned
// sequentially, and entries are deduplicated by idempotency key: a second
// append with a key already present returns the original order unchanged.
// No deletions or mutations, with one exception — a proof reference may be
// set on an order exactly once.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/forkshield/settle/pkg/canonical"
	"github.com/forkshield/settle/pkg/contracts"
)

// Entry wraps a committed order with its chain position.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	ContentHash string          `json:"content_hash"`
	PrevHash    string          `json:"prev_hash"`
	Order       contracts.Order `json:"order"`
}

// Ledger is the append-only order log of one head.
type Ledger struct {
	mu       sync.RWMutex
	headID   string
	entries  []Entry
	byKey    map[string]int // idempotency key → entry index
	byOrder  map[string]int // order id → entry index
	headHash string
	clock    func() time.Time
}

// New creates an empty ledger for headID.
func New(headID string) *Ledger {
	return &Ledger{
		headID:   headID,
		byKey:    make(map[string]int),
		byOrder:  make(map[string]int),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Restore rebuilds a ledger from persisted orders, re-deriving the chain.
// Orders must be supplied in order-ID order.
func Restore(headID string, orders []contracts.Order) (*Ledger, error) {
	l := New(headID)
	for _, o := range orders {
		if _, _, err := l.Append(o); err != nil {
			return nil, fmt.Errorf("ledger: restore %s: %w", headID, err)
		}
	}
	return l, nil
}

// chainHash computes the content hash binding an order to its predecessor.
// Only the immutable part of the order is hashed: the proof reference is
// attached after commit and must not invalidate the chain.
func chainHash(seq uint64, prev string, o *contracts.Order) (string, error) {
	frozen := *o
	frozen.ProofRef = nil
	return canonical.Hash(struct {
		Seq   uint64          `json:"seq"`
		Prev  string          `json:"prev"`
		Order contracts.Order `json:"order"`
	}{seq, prev, frozen})
}

// Append commits an order to the ledger. If the order's idempotency key is
// already present, the existing order is returned with created=false and no
// state changes — the at-most-once guarantee under retries. Otherwise the
// order is assigned the next sequential order ID, stamped, chained and
// appended.
func (l *Ledger) Append(o contracts.Order) (contracts.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o.IdempotencyKey == "" {
		return contracts.Order{}, false, contracts.Errf(contracts.KindOrderRejected, l.headID, "",
			"order missing idempotency key")
	}
	if idx, ok := l.byKey[o.IdempotencyKey]; ok {
		return l.entries[idx].Order, false, nil
	}

	seq := uint64(len(l.entries)) + 1
	if o.OrderID == "" {
		o.OrderID = fmt.Sprintf("o-%s-%04d", l.headID, seq)
	}
	if _, dup := l.byOrder[o.OrderID]; dup {
		return contracts.Order{}, false, contracts.Errf(contracts.KindOrderRejected, l.headID, o.OrderID,
			"order id already present")
	}
	o.HeadID = l.headID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = l.clock().UTC()
	}

	hash, err := chainHash(seq, l.headHash, &o)
	if err != nil {
		return contracts.Order{}, false, fmt.Errorf("ledger: hash entry: %w", err)
	}

	idx := len(l.entries)
	l.entries = append(l.entries, Entry{
		Sequence:    seq,
		ContentHash: hash,
		PrevHash:    l.headHash,
		Order:       o,
	})
	l.byKey[o.IdempotencyKey] = idx
	l.byOrder[o.OrderID] = idx
	l.headHash = hash

	return o, true, nil
}

// Get returns the order with the given ID.
func (l *Ledger) Get(orderID string) (contracts.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byOrder[orderID]
	if !ok {
		return contracts.Order{}, contracts.Errf(contracts.KindOrderNotFound, l.headID, orderID, "no such order")
	}
	return l.entries[idx].Order, nil
}

// ByKey returns the order with the given idempotency key, if present.
func (l *Ledger) ByKey(key string) (contracts.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byKey[key]
	if !ok {
		return contracts.Order{}, false
	}
	return l.entries[idx].Order, true
}

// SetProofRef attaches a proof reference to an order. Attachment is a
// one-time transition from nil to non-nil: re-attachment with the same value
// is a no-op (changed=false), a different value fails with PROOF_MISMATCH.
func (l *Ledger) SetProofRef(orderID, proofRef string) (contracts.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byOrder[orderID]
	if !ok {
		return contracts.Order{}, false, contracts.Errf(contracts.KindOrderNotFound, l.headID, orderID, "no such order")
	}
	o := &l.entries[idx].Order
	if o.ProofRef != nil {
		if *o.ProofRef == proofRef {
			return *o, false, nil
		}
		return contracts.Order{}, false, contracts.Errf(contracts.KindProofMismatch, l.headID, orderID,
			"proof already attached with a different value")
	}
	o.ProofRef = &proofRef
	return *o, true, nil
}

// FinalizeOrder returns the proof reference of an order, failing with
// PROOF_NOT_ATTACHED when the order has no proof yet. Finalizing before
// attachment is a caller error, not silently tolerated.
func (l *Ledger) FinalizeOrder(orderID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byOrder[orderID]
	if !ok {
		return "", contracts.Errf(contracts.KindOrderNotFound, l.headID, orderID, "no such order")
	}
	o := l.entries[idx].Order
	if o.ProofRef == nil {
		return "", contracts.Errf(contracts.KindProofNotAttached, l.headID, orderID,
			"order has no proof reference")
	}
	return *o.ProofRef, nil
}

// Orders returns all orders in order-ID (append) order.
func (l *Ledger) Orders() []contracts.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]contracts.Order, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Order
	}
	return out
}

// Len returns the number of committed orders.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the chain and recomputes every content hash.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := "genesis"
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := chainHash(e.Sequence, e.PrevHash, &e.Order)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return true, "chain verified"
}
