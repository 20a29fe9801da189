package acs

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_KnownVector(t *testing.T) {
	t.Parallel()

	key, err := base64.StdEncoding.DecodeString("c2VjcmV0a2V5")
	require.NoError(t, err)

	now := time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC)
	sig := sign(key, http.MethodPost, sendPath, "example.communication.azure.com", []byte(`{"hello":"world"}`), now)

	assert.Equal(t, "Sat, 18 Oct 2025 12:00:00 GMT", sig.Timestamp)
	assert.Equal(t, "k6I5cakU5erL8KjSUVTNownDwccvu5kU1Hxg88toFYg=", sig.ContentHash)
	assert.Equal(t,
		"POST\n/emails:send?api-version=2023-03-31\nSat, 18 Oct 2025 12:00:00 GMT;example.communication.azure.com;k6I5cakU5erL8KjSUVTNownDwccvu5kU1Hxg88toFYg=",
		sig.StringToSign)
	assert.Equal(t, "BjCgYKtbqR3f4aEud3FAbggtswq/YM3bglVEmSB3VqY=", sig.Signature)
	assert.Equal(t,
		"HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=BjCgYKtbqR3f4aEud3FAbggtswq/YM3bglVEmSB3VqY=",
		sig.Authorization)
}

func TestSign_TimestampIsUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+9", 9*60*60)
	now := time.Date(2025, 10, 18, 21, 0, 0, 0, loc)

	sig := sign([]byte("k"), http.MethodPost, sendPath, "h", nil, now)
	assert.Equal(t, "Sat, 18 Oct 2025 12:00:00 GMT", sig.Timestamp)
}

func TestSign_EmptyBodyHash(t *testing.T) {
	t.Parallel()

	sig := sign([]byte("k"), http.MethodPost, sendPath, "h", nil, time.Now())
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", sig.ContentHash)
}

func TestSign_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	a := sign([]byte("key"), http.MethodPost, sendPath, "h", []byte("body"), now)
	b := sign([]byte("key"), http.MethodPost, sendPath, "h", []byte("body"), now)
	assert.Equal(t, a, b)

	c := sign([]byte("key"), http.MethodPost, sendPath, "h", []byte("body2"), now)
	assert.NotEqual(t, a.Signature, c.Signature)
}

func TestSignature_Apply(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest(http.MethodPost, "https://example.com"+sendPath, nil)
	require.NoError(t, err)

	sig := sign([]byte("key"), http.MethodPost, sendPath, "example.com", []byte("x"), time.Now())
	sig.apply(req)

	assert.Equal(t, sig.Timestamp, req.Header.Get("x-ms-date"))
	assert.Equal(t, sig.ContentHash, req.Header.Get("x-ms-content-sha256"))
	assert.Equal(t, sig.Authorization, req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}
