package canonical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkshield/settle/pkg/canonical"
	"github.com/forkshield/settle/pkg/contracts"
)

// TestCanonicalize_KeyOrderIndependent verifies maps with the same entries
// canonicalize to identical bytes regardless of insertion order.
func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"zeta": 1, "alpha": "x", "mid": []int{3, 2, 1}}
	b := map[string]any{"mid": []int{3, 2, 1}, "alpha": "x", "zeta": 1}

	ca, err := canonical.Canonicalize(a)
	require.NoError(t, err)
	cb, err := canonical.Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
}

// TestCanonicalize_SortsKeys verifies the output carries keys in byte order.
func TestCanonicalize_SortsKeys(t *testing.T) {
	out, err := canonical.Canonicalize(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

// TestHash_Stable verifies hashing the same value twice yields the same
// digest, and a different value a different digest.
func TestHash_Stable(t *testing.T) {
	h1, err := canonical.Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	h2, err := canonical.Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	h3, err := canonical.Hash(map[string]string{"k": "other"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func samplePayload(evidence string) *contracts.OrderPayload {
	return &contracts.OrderPayload{
		OrderType:    contracts.OrderVerdict,
		Verdict:      contracts.VerdictSafe,
		EvidenceHash: evidence,
		AgentVotes: []contracts.AgentVote{
			{AgentID: "sentinel", Vote: contracts.VerdictSafe, Weight: 0.4},
		},
	}
}

// TestIdempotencyKey verifies the key is stable for identical payloads and
// distinct across heads and across payloads.
func TestIdempotencyKey(t *testing.T) {
	p := samplePayload("sha256:aaa")

	k1, err := canonical.IdempotencyKey("h-s1", p)
	require.NoError(t, err)
	k2, err := canonical.IdempotencyKey("h-s1", samplePayload("sha256:aaa"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	otherHead, err := canonical.IdempotencyKey("h-s2", p)
	require.NoError(t, err)
	assert.NotEqual(t, k1, otherHead)

	otherPayload, err := canonical.IdempotencyKey("h-s1", samplePayload("sha256:bbb"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, otherPayload)
}

// TestIdempotencyKey_UnmarshaledEquivalence verifies a payload that made a
// round trip through JSON with different field order still keys identically.
func TestIdempotencyKey_UnmarshaledEquivalence(t *testing.T) {
	direct, err := canonical.IdempotencyKey("h-s1", map[string]any{
		"order_type": "VERDICT",
		"verdict":    "SAFE",
	})
	require.NoError(t, err)

	reordered, err := canonical.IdempotencyKey("h-s1", map[string]any{
		"verdict":    "SAFE",
		"order_type": "VERDICT",
	})
	require.NoError(t, err)

	assert.Equal(t, direct, reordered)
}
