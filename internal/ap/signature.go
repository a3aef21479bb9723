package ap

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// Signature verification failure kinds. The inbox handler maps all of
// these to 401.
var (
	ErrSignatureMissing   = errors.New("missing signature header")
	ErrSignatureMalformed = errors.New("malformed signature header")
	ErrKeyUnavailable     = errors.New("signing key unavailable")
	ErrDigestMismatch     = errors.New("digest header does not match body")
	ErrClockSkew          = errors.New("date header too far from server time")
	ErrSignatureInvalid   = errors.New("signature verification failed")
)

// maxClockSkew bounds how far a request's Date header may drift from
// server time before the signature is rejected outright.
const maxClockSkew = time.Hour

var postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest", "content-type"}
var getSignedHeaders = []string{httpsig.RequestTarget, "host", "date"}

// SignRequest signs an outbound request with the relay's key using
// rsa-sha256 in the draft-cavage style. POST bodies get a SHA-256 Digest
// header; the Date and Host headers are set here so they are covered by
// the signature.
func SignRequest(req *http.Request, body []byte, keyID string, key *rsa.PrivateKey) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	headers := getSignedHeaders
	if req.Method == http.MethodPost {
		headers = postSignedHeaders
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	if err := signer.SignRequest(key, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// KeyFetcher resolves a keyId IRI to the owner's public key. The client's
// actor fetch (with its cache) implements this.
type KeyFetcher func(ctx context.Context, keyID string) (*rsa.PublicKey, error)

// VerifyRequest checks an inbound request's HTTP signature and returns the
// keyId on success. body must be the full request body, needed to verify
// the Digest header.
func VerifyRequest(req *http.Request, body []byte, fetchKey KeyFetcher) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", ErrSignatureMissing
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
	}
	keyID := verifier.KeyId()

	if dateHdr := req.Header.Get("Date"); dateHdr != "" {
		date, err := http.ParseTime(dateHdr)
		if err != nil {
			return "", fmt.Errorf("%w: bad date header", ErrSignatureMalformed)
		}
		if skew := time.Since(date); skew > maxClockSkew || skew < -maxClockSkew {
			return "", ErrClockSkew
		}
	}

	if digest := req.Header.Get("Digest"); digest != "" {
		if !digestMatches(digest, body) {
			return "", ErrDigestMismatch
		}
	}

	pubKey, err := fetchKey(req.Context(), keyID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return keyID, nil
}

// digestMatches recomputes the body's SHA-256 digest and compares it to
// the Digest header ("SHA-256=<base64>").
func digestMatches(header string, body []byte) bool {
	algo, want, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(algo, "SHA-256") {
		return false
	}
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:]) == want
}
