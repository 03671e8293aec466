// Package signing implements the wrapper-to-gateway HMAC request scheme:
// canonical string construction, signature generation and verification,
// nonce replay defence, and opaque token minting.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxClockSkew bounds |now - timestamp| for a signed request.
const MaxClockSkew = 300 * time.Second

// Verification failure classes. The API layer collapses these to 401/403
// without disclosing which sub-check failed.
var (
	ErrClockSkew    = errors.New("signing: timestamp outside allowed window")
	ErrReplay       = errors.New("signing: nonce already seen")
	ErrBadSignature = errors.New("signing: signature mismatch")
	ErrBadNonce     = errors.New("signing: nonce missing or too short")
)

// Headers carried by every signed request.
const (
	HeaderTimestamp       = "X-Timestamp"
	HeaderNonce           = "X-Nonce"
	HeaderSignature       = "X-Signature"
	HeaderRunID           = "X-Run-Id"
	HeaderCapabilityToken = "X-Capability-Token"
	HeaderClientToken     = "X-Client-Token"
)

// NonceStore records nonces atomically. Insert returns false when the nonce
// was already present.
type NonceStore interface {
	InsertNonce(value string, seenAt time.Time) (bool, error)
}

// Request is the signed material of one HTTP request.
type Request struct {
	Method          string
	Path            string
	Body            []byte
	Timestamp       string
	Nonce           string
	RunID           string
	CapabilityToken string
}

// Signer produces and verifies request signatures with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer over the shared HMAC secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// canonical builds the signed string: method, path, body hash, timestamp,
// nonce, run id, capability token, joined by '|'. The body hash is the
// lowercase hex SHA-256 of the raw body (the hash of the empty string for
// bodyless requests).
func (s *Signer) canonical(r *Request) string {
	bodyHash := sha256.Sum256(r.Body)
	return r.Method + "|" + r.Path + "|" + hex.EncodeToString(bodyHash[:]) + "|" +
		r.Timestamp + "|" + r.Nonce + "|" + r.RunID + "|" + r.CapabilityToken
}

// Sign returns the hex HMAC-SHA-256 signature of the request.
func (s *Signer) Sign(r *Request) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(s.canonical(r)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature, clock skew, and nonce freshness of a signed
// request. The nonce is inserted into the store as a side effect, so a
// verified request burns its nonce even if a later check fails.
func (s *Signer) Verify(r *Request, signature string, nonces NonceStore, now time.Time) error {
	ts, err := strconv.ParseInt(r.Timestamp, 10, 64)
	if err != nil {
		return ErrClockSkew
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < -MaxClockSkew || skew > MaxClockSkew {
		return ErrClockSkew
	}

	// 16 random bytes hex-encoded is 32 chars; anything shorter is rejected
	// before touching the store.
	if len(r.Nonce) < 32 {
		return ErrBadNonce
	}
	inserted, err := nonces.InsertNonce(r.Nonce, now)
	if err != nil {
		return fmt.Errorf("signing: nonce store: %w", err)
	}
	if !inserted {
		return ErrReplay
	}

	expected := s.Sign(r)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// NewNonce returns a fresh random nonce (24 bytes, hex).
func NewNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signing: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewToken mints an opaque URL-safe secret of n random bytes. Used for
// capability tokens, client tokens, and UI session tokens.
func NewToken(n int) (string, error) {
	if n < 32 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signing: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the lowercase hex SHA-256 of a token. Stored in place
// of the plaintext for client and session tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokensEqual compares two secrets in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
