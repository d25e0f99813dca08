package store

import (
	"encoding/json"

	"github.com/forkshield/settle/pkg/contracts"
)

// marshalHeadJSON encodes the head's collection columns. Marshal of these
// shapes cannot fail.
func marshalHeadJSON(h *contracts.Head) (participants, metadata, orderIDs string) {
	p, _ := json.Marshal(h.Participants)
	m, _ := json.Marshal(h.Metadata)
	o, _ := json.Marshal(h.Orders)
	return string(p), string(m), string(o)
}

// marshalOrderJSON encodes the order's collection columns.
func marshalOrderJSON(o *contracts.Order) (votes, sigs string) {
	v, _ := json.Marshal(o.AgentVotes)
	s, _ := json.Marshal(o.Signatures)
	return string(v), string(s)
}
