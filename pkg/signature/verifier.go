// Package signature provides the pluggable signature-verification capability.
//
// The settlement core treats signature bytes as opaque evidence. Whether they
// are cryptographically checked is a deployment decision: the no-op verifier
// serves tests and mocked local mode, the Ed25519 verifier serves production.
// Selection happens in configuration, never as a silent bypass inside core
// logic.
package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/forkshield/settle/pkg/contracts"
)

// Verifier checks agent signatures over a canonical message.
type Verifier interface {
	// Verify checks every signature in sigs against msg. It returns a
	// SIGNATURE_INVALID settlement error on the first failing signature.
	Verify(ctx context.Context, msg []byte, sigs []contracts.AgentSignature) error
}

// Noop accepts any well-formed signature list without curve math.
type Noop struct{}

// Verify only enforces presence and base64 format.
func (Noop) Verify(_ context.Context, _ []byte, sigs []contracts.AgentSignature) error {
	for _, s := range sigs {
		if s.Sig == "" {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(s.Sig); err != nil {
			return contracts.Errf(contracts.KindSignatureInvalid, "", "",
				"agent %s: signature is not base64", s.AgentID)
		}
	}
	return nil
}

// Ed25519 verifies raw Ed25519 signatures against a fixed per-agent key set.
type Ed25519 struct {
	keys map[string]ed25519.PublicKey
}

// NewEd25519 builds a verifier from base64-encoded raw public keys keyed by
// agent ID.
func NewEd25519(publicKeys map[string]string) (*Ed25519, error) {
	keys := make(map[string]ed25519.PublicKey, len(publicKeys))
	for agent, b64 := range publicKeys {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("signature: public key for %s is not base64: %w", agent, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signature: public key for %s has %d bytes, want %d",
				agent, len(raw), ed25519.PublicKeySize)
		}
		keys[agent] = ed25519.PublicKey(raw)
	}
	return &Ed25519{keys: keys}, nil
}

// Verify checks every signature. Missing signatures and unknown agents fail:
// an order that claims a signer must prove it.
func (v *Ed25519) Verify(ctx context.Context, msg []byte, sigs []contracts.AgentSignature) error {
	for _, s := range sigs {
		if err := ctx.Err(); err != nil {
			return contracts.WrapErr(contracts.KindTimeout, "", "", err)
		}
		pub, ok := v.keys[s.AgentID]
		if !ok {
			return contracts.Errf(contracts.KindSignatureInvalid, "", "",
				"no public key registered for agent %s", s.AgentID)
		}
		if s.Sig == "" {
			return contracts.Errf(contracts.KindSignatureInvalid, "", "",
				"missing signature for agent %s", s.AgentID)
		}
		raw, err := base64.StdEncoding.DecodeString(s.Sig)
		if err != nil {
			return contracts.Errf(contracts.KindSignatureInvalid, "", "",
				"agent %s: signature is not base64", s.AgentID)
		}
		if !ed25519.Verify(pub, msg, raw) {
			return contracts.Errf(contracts.KindSignatureInvalid, "", "",
				"invalid signature for agent %s", s.AgentID)
		}
	}
	return nil
}
