// Package auth verifies the gateway access credential.
package auth

import "crypto/subtle"

// Verifier compares presented credentials against the configured secret.
// It is immutable after construction and safe for concurrent use.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for secret. The slice is copied.
func NewVerifier(secret []byte) *Verifier {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Verifier{secret: s}
}

// Verify reports whether presented equals the secret.
//
// Equal-length inputs are compared in constant time over every byte. A
// length mismatch returns false without inspecting content; length is not
// treated as sensitive. An empty presented value never verifies.
func (v *Verifier) Verify(presented []byte) bool {
	if len(presented) == 0 || len(v.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(presented, v.secret) == 1
}
