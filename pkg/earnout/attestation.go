package earnout

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// KPIMessageDomain prefixes the message an attester signs.
const KPIMessageDomain = "simple-earnout/kpi/v1"

// TEEAttestationSize is the length of an encoded TEEAttestation:
// value(8) ‖ hash(32) ‖ timestamp(8) ‖ public key(32) ‖ signature(64).
const TEEAttestationSize = 8 + 32 + 8 + ed25519.PublicKeySize + ed25519.SignatureSize

// NonEmptyAttestationVerifier accepts any non-empty attestation. It is the
// development default and must not be used where funds are real.
type NonEmptyAttestationVerifier struct{}

// VerifyAttestation implements AttestationVerifier.
func (NonEmptyAttestationVerifier) VerifyAttestation(_ context.Context, _ KPIClaim, attestation []byte) error {
	if len(attestation) == 0 {
		return fmt.Errorf("%w: attestation is empty", ErrInvalidAttestation)
	}
	return nil
}

// TEEAttestation is the fixed-layout blob produced by the KPI attester.
// Integers are little-endian.
type TEEAttestation struct {
	Value           uint64
	ComputationHash [32]byte
	TimestampMs     uint64
	PublicKey       ed25519.PublicKey
	Signature       []byte
}

// ParseTEEAttestation decodes b. It checks the layout only, not the signature.
func ParseTEEAttestation(b []byte) (*TEEAttestation, error) {
	if len(b) != TEEAttestationSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAttestation, TEEAttestationSize, len(b))
	}
	a := &TEEAttestation{}
	a.Value = binary.LittleEndian.Uint64(b[0:8])
	copy(a.ComputationHash[:], b[8:40])
	a.TimestampMs = binary.LittleEndian.Uint64(b[40:48])
	a.PublicKey = append(ed25519.PublicKey(nil), b[48:80]...)
	a.Signature = append([]byte(nil), b[80:144]...)
	return a, nil
}

// Marshal encodes the attestation in its wire layout.
func (a *TEEAttestation) Marshal() []byte {
	out := make([]byte, 0, TEEAttestationSize)
	out = binary.LittleEndian.AppendUint64(out, a.Value)
	out = append(out, a.ComputationHash[:]...)
	out = binary.LittleEndian.AppendUint64(out, a.TimestampMs)
	out = append(out, a.PublicKey...)
	return append(out, a.Signature...)
}

// KPIMessage returns the bytes the attester signs. It binds the value to the
// deal and KPI kind so an attestation cannot be replayed on another deal.
func KPIMessage(claim KPIClaim, computationHash [32]byte, timestampMs uint64) []byte {
	msg := make([]byte, 0, len(KPIMessageDomain)+16+4+len(claim.Kind)+8+32+8)
	msg = append(msg, KPIMessageDomain...)
	msg = append(msg, claim.DealID[:]...)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(claim.Kind)))
	msg = append(msg, claim.Kind...)
	msg = binary.LittleEndian.AppendUint64(msg, claim.Value)
	msg = append(msg, computationHash[:]...)
	return binary.LittleEndian.AppendUint64(msg, timestampMs)
}

// TEEAttestationVerifier checks attestations signed by a fixed set of
// trusted attester keys.
type TEEAttestationVerifier struct {
	trusted []ed25519.PublicKey
}

// NewTEEAttestationVerifier returns a verifier trusting the given keys.
func NewTEEAttestationVerifier(trusted ...ed25519.PublicKey) (*TEEAttestationVerifier, error) {
	if len(trusted) == 0 {
		return nil, fmt.Errorf("at least one trusted attester key is required")
	}
	keys := make([]ed25519.PublicKey, 0, len(trusted))
	for i, k := range trusted {
		if len(k) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: expected %d bytes, got %d", i, ed25519.PublicKeySize, len(k))
		}
		keys = append(keys, append(ed25519.PublicKey(nil), k...))
	}
	return &TEEAttestationVerifier{trusted: keys}, nil
}

// VerifyAttestation implements AttestationVerifier.
func (v *TEEAttestationVerifier) VerifyAttestation(_ context.Context, claim KPIClaim, attestation []byte) error {
	a, err := ParseTEEAttestation(attestation)
	if err != nil {
		return err
	}
	if a.Value != claim.Value {
		return fmt.Errorf("%w: attested value %d does not match submitted value %d", ErrInvalidAttestation, a.Value, claim.Value)
	}
	if !v.isTrusted(a.PublicKey) {
		return fmt.Errorf("%w: attester key is not trusted", ErrInvalidAttestation)
	}
	if !ed25519.Verify(a.PublicKey, KPIMessage(claim, a.ComputationHash, a.TimestampMs), a.Signature) {
		return fmt.Errorf("%w: signature does not verify", ErrInvalidAttestation)
	}
	return nil
}

func (v *TEEAttestationVerifier) isTrusted(key ed25519.PublicKey) bool {
	for _, k := range v.trusted {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}
