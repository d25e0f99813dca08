package store

import (
	"context"
	"sort"
	"sync"

	"github.com/forkshield/settle/pkg/contracts"
)

// Memory is an in-process Store for tests and the mocked local deployment
// mode.
type Memory struct {
	mu     sync.RWMutex
	heads  map[string]contracts.Head
	orders map[string]map[string]contracts.Order // head id → order id → order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		heads:  make(map[string]contracts.Head),
		orders: make(map[string]map[string]contracts.Order),
	}
}

func (m *Memory) SaveHead(_ context.Context, h *contracts.Head) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[h.HeadID] = cloneHead(h)
	return nil
}

func (m *Memory) GetHead(_ context.Context, headID string) (*contracts.Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heads[headID]
	if !ok {
		return nil, contracts.Errf(contracts.KindHeadNotFound, headID, "", "head not persisted")
	}
	out := cloneHead(&h)
	return &out, nil
}

func (m *Memory) ListHeadIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.heads))
	for id := range m.heads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) SaveOrder(_ context.Context, o *contracts.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.orders[o.HeadID]
	if !ok {
		byID = make(map[string]contracts.Order)
		m.orders[o.HeadID] = byID
	}
	byID[o.OrderID] = cloneOrder(o)
	return nil
}

func (m *Memory) GetOrders(_ context.Context, headID string) ([]contracts.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.orders[headID]
	out := make([]contracts.Order, 0, len(byID))
	for _, o := range byID {
		out = append(out, cloneOrder(&o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *Memory) PurgeHead(_ context.Context, headID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heads[headID]; !ok {
		return contracts.Errf(contracts.KindHeadNotFound, headID, "", "head not persisted")
	}
	delete(m.heads, headID)
	delete(m.orders, headID)
	return nil
}

func cloneHead(h *contracts.Head) contracts.Head {
	out := *h
	out.Participants = append([]string(nil), h.Participants...)
	out.Orders = append([]string(nil), h.Orders...)
	if h.Metadata != nil {
		out.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			out.Metadata[k] = v
		}
	}
	if h.FinalizedAt != nil {
		t := *h.FinalizedAt
		out.FinalizedAt = &t
	}
	return out
}

func cloneOrder(o *contracts.Order) contracts.Order {
	out := *o
	out.AgentVotes = append([]contracts.AgentVote(nil), o.AgentVotes...)
	out.Signatures = append([]contracts.AgentSignature(nil), o.Signatures...)
	if o.ProofRef != nil {
		p := *o.ProofRef
		out.ProofRef = &p
	}
	return out
}
