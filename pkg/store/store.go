// Package store persists head and order records. The settlement coordinator
// is the only writer; it requires read-your-writes consistency within a
// single head's critical section, which every implementation here provides.
package store

import (
	"context"

	"github.com/forkshield/settle/pkg/contracts"
)

// Store is the durable persistence boundary for the settlement core.
//
// Implementations surface missing heads as HEAD_NOT_FOUND settlement errors
// and infrastructure failures as NETWORK settlement errors so the
// coordinator's retry policy can classify them.
type Store interface {
	// SaveHead upserts a head record.
	SaveHead(ctx context.Context, h *contracts.Head) error
	// GetHead loads a head by ID.
	GetHead(ctx context.Context, headID string) (*contracts.Head, error)
	// ListHeadIDs returns all persisted head IDs, for recovery at startup.
	ListHeadIDs(ctx context.Context) ([]string, error)
	// SaveOrder upserts an order record (proof attachment is an update).
	SaveOrder(ctx context.Context, o *contracts.Order) error
	// GetOrders returns a head's orders in order-ID order.
	GetOrders(ctx context.Context, headID string) ([]contracts.Order, error)
	// PurgeHead removes a head and its orders. Destruction is always
	// explicit; nothing in the core deletes records on its own.
	PurgeHead(ctx context.Context, headID string) error
}
