// Package contracts defines the shared wire and domain types for the
// off-chain settlement core: heads, orders, agent votes, and the order
// payload schema accepted at the API boundary.
//
// The JSON field names are a compatibility surface. They match the payloads
// the agent network already emits and must not be renamed.
package contracts

import (
	"fmt"
	"time"
)

// HeadStatus is the lifecycle state of a settlement head.
type HeadStatus string

const (
	HeadOpen          HeadStatus = "OPEN"
	HeadCommitted     HeadStatus = "COMMITTED"
	HeadProofAttached HeadStatus = "PROOF_ATTACHED"
	HeadFinalized     HeadStatus = "FINALIZED"
	HeadClosed        HeadStatus = "CLOSED"
	HeadError         HeadStatus = "ERROR"
)

// Terminal reports whether no further forward transition is possible.
func (s HeadStatus) Terminal() bool {
	return s == HeadClosed || s == HeadError
}

// OrderType tags the order variant.
type OrderType string

const (
	OrderRejection OrderType = "REJECTION"
	OrderVerdict   OrderType = "VERDICT"
)

// Verdict is the binary risk decision.
type Verdict string

const (
	VerdictDanger Verdict = "DANGER"
	VerdictSafe   Verdict = "SAFE"
)

// Severity marks a vote-level confidence flag, independent of weight.
type Severity string

// SeverityCritical forces the fused risk score to a high floor regardless of
// the weighted aggregate.
const SeverityCritical Severity = "CRITICAL"

// AgentVote is one agent's contribution to an order's fused verdict.
type AgentVote struct {
	AgentID  string   `json:"agent_id"`
	Vote     Verdict  `json:"vote"`
	Weight   float64  `json:"weight"`
	Severity Severity `json:"severity,omitempty"`
}

// AgentSignature carries opaque signature bytes for one agent. The core only
// enforces presence and format; cryptographic verification is delegated to a
// signature.Verifier.
type AgentSignature struct {
	AgentID string `json:"agent_id"`
	Sig     string `json:"sig"`
}

// OrderPayload is the wire contract for order submission.
type OrderPayload struct {
	OrderType    OrderType        `json:"order_type"`
	Verdict      Verdict          `json:"verdict"`
	EvidenceHash string           `json:"evidence_hash"`
	AgentVotes   []AgentVote      `json:"agent_votes"`
	ZKProofRef   *string          `json:"zk_proof_ref"`
	Signatures   []AgentSignature `json:"signatures"`
}

// Validate performs structural validation of a submitted payload. It never
// inspects proof references or signature bytes beyond presence checks.
func (p *OrderPayload) Validate() error {
	switch p.OrderType {
	case OrderRejection, OrderVerdict:
	default:
		return fmt.Errorf("invalid order_type %q", p.OrderType)
	}
	switch p.Verdict {
	case VerdictDanger, VerdictSafe:
	default:
		return fmt.Errorf("invalid verdict %q", p.Verdict)
	}
	if p.EvidenceHash == "" {
		return fmt.Errorf("evidence_hash must not be empty")
	}
	if len(p.AgentVotes) == 0 {
		return fmt.Errorf("agent_votes must not be empty")
	}
	seen := make(map[string]bool, len(p.AgentVotes))
	for _, v := range p.AgentVotes {
		if v.AgentID == "" {
			return fmt.Errorf("agent_votes entry missing agent_id")
		}
		if seen[v.AgentID] {
			return fmt.Errorf("duplicate vote from agent %q", v.AgentID)
		}
		seen[v.AgentID] = true
		switch v.Vote {
		case VerdictDanger, VerdictSafe:
		default:
			return fmt.Errorf("agent %q: invalid vote %q", v.AgentID, v.Vote)
		}
		if v.Weight < 0 || v.Weight > 1 {
			return fmt.Errorf("agent %q: weight %v outside [0,1]", v.AgentID, v.Weight)
		}
		if v.Severity != "" && v.Severity != SeverityCritical {
			return fmt.Errorf("agent %q: unknown severity %q", v.AgentID, v.Severity)
		}
	}
	for _, s := range p.Signatures {
		if s.AgentID == "" {
			return fmt.Errorf("signatures entry missing agent_id")
		}
	}
	return nil
}

// Head is a settlement session record. Mutated only under the coordinator's
// per-head critical section.
type Head struct {
	HeadID       string            `json:"head_id"`
	SessionID    string            `json:"session_id"`
	Status       HeadStatus        `json:"status"`
	Participants []string          `json:"participants"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Orders       []string          `json:"orders"`
	CreatedAt    time.Time         `json:"created_at"`
	FinalizedAt  *time.Time        `json:"finalized_at"`
}

// Order is a committed verdict/rejection decision inside a head. EvidenceHash
// and AgentVotes are immutable once created; ProofRef transitions from nil to
// non-nil exactly once.
type Order struct {
	OrderID        string           `json:"order_id"`
	HeadID         string           `json:"head_id"`
	OrderType      OrderType        `json:"order_type"`
	Verdict        Verdict          `json:"verdict"`
	FusedScore     float64          `json:"fused_score"`
	EvidenceHash   string           `json:"evidence_hash"`
	AgentVotes     []AgentVote      `json:"agent_votes"`
	ProofRef       *string          `json:"proof_ref"`
	Signatures     []AgentSignature `json:"signatures"`
	IdempotencyKey string           `json:"idempotency_key"`
	CreatedAt      time.Time        `json:"created_at"`
}

// FinalizationSummary is the result of closing a head: the proof-attached
// orders in order-ID order and their proof references, index-aligned.
type FinalizationSummary struct {
	HeadID            string    `json:"head_id"`
	FinalizedOrderIDs []string  `json:"finalized_order_ids"`
	ProofRefs         []string  `json:"proof_refs"`
	FinalizedAt       time.Time `json:"finalized_at"`
}
