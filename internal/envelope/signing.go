package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer creates and verifies HMAC-SHA256 envelope signatures.
// The signature covers the envelope ID and the raw payload, so a payload
// cannot be replayed under a different envelope.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the signature for an envelope and stores it in place.
func (s *Signer) Sign(e *Envelope) error {
	sig, err := s.compute(e)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify checks an envelope's signature.
func (s *Signer) Verify(e *Envelope) error {
	if e.Signature == "" {
		return fmt.Errorf("envelope %s is unsigned", e.ID)
	}
	expected, err := s.compute(e)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, _ := hex.DecodeString(expected)
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (s *Signer) compute(e *Envelope) (string, error) {
	canonical := make([]byte, 0, len(e.ID)+1+len(e.Payload.Content))
	canonical = append(canonical, []byte(e.ID)...)
	canonical = append(canonical, '|')
	canonical = append(canonical, e.Payload.Content...)
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
