package signing

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNonces struct {
	seen map[string]bool
}

func newMemNonces() *memNonces { return &memNonces{seen: make(map[string]bool)} }

func (m *memNonces) InsertNonce(value string, _ time.Time) (bool, error) {
	if m.seen[value] {
		return false, nil
	}
	m.seen[value] = true
	return true, nil
}

func signedRequest(t *testing.T, now time.Time) *Request {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	return &Request{
		Method:          "POST",
		Path:            "/api/ingest/event",
		Body:            []byte(`{"type":"stdout","data":"hi\n"}`),
		Timestamp:       strconv.FormatInt(now.Unix(), 10),
		Nonce:           nonce,
		RunID:           "run-abc123",
		CapabilityToken: "cap-token",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")
	req := signedRequest(t, now)

	sig := signer.Sign(req)
	err := signer.Verify(req, sig, newMemNonces(), now)
	assert.NoError(t, err)
}

func TestVerifyRejectsReplay(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")
	req := signedRequest(t, now)
	sig := signer.Sign(req)

	nonces := newMemNonces()
	require.NoError(t, signer.Verify(req, sig, nonces, now))

	err := signer.Verify(req, sig, nonces, now.Add(10*time.Second))
	assert.ErrorIs(t, err, ErrReplay)
}

func TestVerifyRejectsClockSkew(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")
	req := signedRequest(t, now)
	sig := signer.Sign(req)

	err := signer.Verify(req, sig, newMemNonces(), now.Add(MaxClockSkew+time.Minute))
	assert.ErrorIs(t, err, ErrClockSkew)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")
	req := signedRequest(t, now)
	sig := signer.Sign(req)

	req.Body = []byte(`{"type":"stdout","data":"tampered"}`)
	err := signer.Verify(req, sig, newMemNonces(), now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Now()
	req := signedRequest(t, now)
	sig := NewSigner("secret-a").Sign(req)

	err := NewSigner("secret-b").Verify(req, sig, newMemNonces(), now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsShortNonce(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")
	req := signedRequest(t, now)
	req.Nonce = "abcd"
	sig := signer.Sign(req)

	err := signer.Verify(req, sig, newMemNonces(), now)
	assert.ErrorIs(t, err, ErrBadNonce)
}

func TestCapabilityTokenBindsSignature(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")
	req := signedRequest(t, now)
	sig := signer.Sign(req)

	req.CapabilityToken = "forged"
	err := signer.Verify(req, sig, newMemNonces(), now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestNewTokenMinimumEntropy(t *testing.T) {
	tok, err := NewToken(8)
	require.NoError(t, err)
	// 32-byte floor, base64url without padding.
	assert.GreaterOrEqual(t, len(tok), 43)

	other, err := NewToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
