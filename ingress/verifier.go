package ingress

import (
	"crypto/ed25519"

	"github.com/agrishield/payout-engine/domain"
	"github.com/pkg/errors"
)

// SignatureVerifier checks an attestation signature against a reporter
// public key. Injected as a capability, the engine never holds private keys.
type SignatureVerifier interface {
	Verify(att domain.Attestation, publicKey []byte) error
}

type Ed25519Verifier struct{}

func NewEd25519Verifier() Ed25519Verifier {
	return Ed25519Verifier{}
}

func (Ed25519Verifier) Verify(att domain.Attestation, publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return errors.Errorf("invalid public key size [%d]", len(publicKey))
	}
	if !ed25519.Verify(publicKey, att.SigningPayload(), att.Signature) {
		return errors.New("signature does not verify")
	}
	return nil
}
