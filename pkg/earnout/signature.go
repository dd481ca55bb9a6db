package earnout

import (
	"crypto/ed25519"
	"fmt"
)

// AuditMessageDomain prefixes every audit sign-off message. Bump the version
// suffix if the construction ever changes.
const AuditMessageDomain = "simple-earnout/audit/v1:"

// AuditMessage returns the bytes an auditor signs to attest documentID.
func AuditMessage(documentID string) []byte {
	msg := make([]byte, 0, len(AuditMessageDomain)+len(documentID))
	msg = append(msg, AuditMessageDomain...)
	return append(msg, documentID...)
}

// Ed25519Verifier verifies raw Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify implements SignatureVerifier.
func (Ed25519Verifier) Verify(message, signature, publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidSignature, ed25519.PublicKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return ErrInvalidSignature
	}
	return nil
}
