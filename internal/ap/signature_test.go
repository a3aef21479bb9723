package ap

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func fetcherFor(key *rsa.PrivateKey) KeyFetcher {
	return func(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
		return &key.PublicKey, nil
	}
}

func signedRequest(t *testing.T, key *rsa.PrivateKey, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, SignRequest(req, body, "https://remote.example/actor#main-key", key))
	return req
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := testKey(t)
	body := []byte(`{"type":"Follow"}`)

	req := signedRequest(t, key, body)
	assert.NotEmpty(t, req.Header.Get("Signature"))
	assert.NotEmpty(t, req.Header.Get("Digest"))
	assert.NotEmpty(t, req.Header.Get("Date"))

	keyID, err := VerifyRequest(req, body, fetcherFor(key))
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/actor#main-key", keyID)
}

func TestSignVerifyGet(t *testing.T) {
	key := testKey(t)

	req := httptest.NewRequest(http.MethodGet, "https://relay.example.com/actor", nil)
	require.NoError(t, SignRequest(req, nil, "https://remote.example/actor#main-key", key))
	// GETs have no body, so no digest is signed.
	assert.Empty(t, req.Header.Get("Digest"))

	_, err := VerifyRequest(req, nil, fetcherFor(key))
	assert.NoError(t, err)
}

func TestVerifyMissingSignature(t *testing.T) {
	key := testKey(t)
	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox", nil)

	_, err := VerifyRequest(req, nil, fetcherFor(key))
	assert.ErrorIs(t, err, ErrSignatureMissing)
}

func TestVerifyMalformedSignature(t *testing.T) {
	key := testKey(t)
	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox", nil)
	req.Header.Set("Signature", "complete garbage")

	_, err := VerifyRequest(req, nil, fetcherFor(key))
	assert.ErrorIs(t, err, ErrSignatureMalformed)
}

func TestVerifyTamperedBody(t *testing.T) {
	key := testKey(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, key, body)

	_, err := VerifyRequest(req, []byte(`{"type":"Delete"}`), fetcherFor(key))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyClockSkew(t *testing.T) {
	key := testKey(t)
	body := []byte(`{}`)
	req := signedRequest(t, key, body)

	for _, when := range []time.Time{
		time.Now().Add(-2 * time.Hour),
		time.Now().Add(2 * time.Hour),
	} {
		req.Header.Set("Date", when.UTC().Format(http.TimeFormat))
		_, err := VerifyRequest(req, body, fetcherFor(key))
		assert.ErrorIs(t, err, ErrClockSkew)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	key := testKey(t)
	otherKey := testKey(t)
	body := []byte(`{}`)
	req := signedRequest(t, key, body)

	_, err := VerifyRequest(req, body, fetcherFor(otherKey))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyKeyUnavailable(t *testing.T) {
	key := testKey(t)
	body := []byte(`{}`)
	req := signedRequest(t, key, body)

	fetcher := func(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
		return nil, errors.New("actor unreachable")
	}
	_, err := VerifyRequest(req, body, fetcher)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDigestMatches(t *testing.T) {
	body := []byte("hello")
	// echo -n hello | sha256sum | xxd -r -p | base64
	good := "SHA-256=LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ="

	assert.True(t, digestMatches(good, body))
	assert.True(t, digestMatches("sha-256=LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", body))
	assert.False(t, digestMatches(good, []byte("other")))
	assert.False(t, digestMatches("MD5=whatever", body))
	assert.False(t, digestMatches("garbage", body))
}
