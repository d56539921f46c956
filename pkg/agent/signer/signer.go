// Package signer implements HMAC-SHA256 result attestation: the agent
// signs its result payload with the per-job signing
// secret delivered at claim time, and the server verifies it with a
// constant-time comparison.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// Signer signs AnalysisResult payloads with a job's signing secret.
type Signer struct {
	secret []byte
}

// New decodes the base64 signing secret handed back by /jobs/claim.
func New(signingSecretB64 string) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(signingSecretB64)
	if err != nil {
		return nil, fmt.Errorf("signer: decode signing secret: %w", err)
	}
	return &Signer{secret: secret}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of the canonical JSON
// representation of payload.
func (s *Signer) Sign(payload apis.ResultPayload) (string, error) {
	canonical, err := apis.CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("signer: canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the HMAC over data using secret (already-decoded
// bytes, as held server-side) and compares in constant time against
// signature.
func Verify(secret []byte, payload apis.ResultPayload, signature string) (bool, error) {
	canonical, err := apis.CanonicalJSON(payload)
	if err != nil {
		return false, fmt.Errorf("signer: canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	expected := mac.Sum(nil)

	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(expected, decoded), nil
}
