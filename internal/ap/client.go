package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/config"
)

// SoftwareName and SoftwareVersion identify the relay in nodeinfo
// documents and the outbound User-Agent.
const (
	SoftwareName    = "activityrelay"
	SoftwareVersion = "0.3.2"
)

var (
	// ErrGone signals the remote returned 410, meaning the resource (or
	// the whole instance) is permanently gone.
	ErrGone = errors.New("remote resource gone")

	// ErrBlocked signals the destination domain is rejected by policy.
	// Checked before any network traffic.
	ErrBlocked = errors.New("destination domain is blocked")
)

// StatusError is a non-2xx response from a remote server.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d for %s", e.Code, e.URL)
}

// IsTransient reports whether a delivery error is worth retrying. Network
// failures and server-side errors are transient; client errors other than
// 408 and 429 are permanent, as are policy blocks and 410s.
func IsTransient(err error) bool {
	if errors.Is(err, ErrGone) || errors.Is(err, ErrBlocked) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return true
		}
		return se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Cache namespaces and freshness windows for remote documents.
const (
	actorNamespace    = "actors"
	nodeinfoNamespace = "nodeinfo"

	actorMaxAge    = 6 * time.Hour
	nodeinfoMaxAge = time.Hour

	maxResponseBytes = 1 << 20
)

// PolicyGate decides whether the relay may talk to a domain at all. A nil
// error allows the request.
type PolicyGate func(domain string) error

// Client is the relay's federation HTTP client. All outbound requests are
// signed with the relay key, and remote documents are cached.
type Client struct {
	http      *http.Client
	domain    string
	keyID     string
	key       *rsa.PrivateKey
	cache     cache.Cache
	allowed   PolicyGate
	userAgent string
}

// NewClient builds a federation client. allowed may be nil to disable the
// policy gate (tests).
func NewClient(cfg *config.Config, keys *KeyPair, c cache.Cache, allowed PolicyGate) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		domain:    cfg.Domain,
		keyID:     cfg.KeyID(),
		key:       keys.Private,
		cache:     c,
		allowed:   allowed,
		userAgent: fmt.Sprintf("%s/%s (https://%s/)", SoftwareName, SoftwareVersion, cfg.Domain),
	}
}

func (c *Client) gate(rawURL string) error {
	if c.allowed == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if err := c.allowed(u.Hostname()); err != nil {
		return fmt.Errorf("%w: %s", ErrBlocked, u.Hostname())
	}
	return nil
}

// get performs a signed GET and returns the body, mapping 410 to ErrGone.
func (c *Client) get(ctx context.Context, iri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", AcceptTypes)
	req.Header.Set("User-Agent", c.userAgent)

	if err := SignRequest(req, nil, c.keyID, c.key); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", iri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s", ErrGone, iri)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: iri}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", iri, err)
	}
	return body, nil
}

// FetchActor fetches a remote actor document, serving from cache when the
// entry is fresher than six hours.
func (c *Client) FetchActor(ctx context.Context, iri string) (*Actor, error) {
	if err := c.gate(iri); err != nil {
		return nil, err
	}

	if item, err := c.cache.Get(ctx, actorNamespace, iri); err == nil && !item.OlderThan(actorMaxAge) {
		var actor Actor
		if err := item.JSON(&actor); err == nil {
			return &actor, nil
		}
	}

	body, err := c.get(ctx, iri)
	if err != nil {
		return nil, err
	}

	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("decode actor %s: %w", iri, err)
	}
	if actor.ID == "" || actor.Inbox == "" {
		return nil, fmt.Errorf("actor %s missing id or inbox", iri)
	}

	// A stale cache entry is better than none, so cache write failures
	// only surface in logs at the call site.
	if value, vtype, err := cache.Encode(&actor); err == nil {
		_ = c.cache.Set(ctx, actorNamespace, iri, value, vtype)
	}
	return &actor, nil
}

// FetchKey resolves a signature keyId to the owning actor's public key.
// Satisfies KeyFetcher for inbound verification.
func (c *Client) FetchKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	actorIRI, _, _ := strings.Cut(keyID, "#")

	actor, err := c.FetchActor(ctx, actorIRI)
	if err != nil {
		return nil, err
	}
	if actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s has no public key", actorIRI)
	}
	return ParsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
}

// FetchNodeInfo discovers and fetches a domain's nodeinfo document via
// /.well-known/nodeinfo, cached for an hour.
func (c *Client) FetchNodeInfo(ctx context.Context, domain string) (*NodeInfo, error) {
	wellKnown := "https://" + domain + "/.well-known/nodeinfo"
	if err := c.gate(wellKnown); err != nil {
		return nil, err
	}

	if item, err := c.cache.Get(ctx, nodeinfoNamespace, domain); err == nil && !item.OlderThan(nodeinfoMaxAge) {
		var info NodeInfo
		if err := item.JSON(&info); err == nil {
			return &info, nil
		}
	}

	body, err := c.get(ctx, wellKnown)
	if err != nil {
		return nil, err
	}

	var discovery WellKnownNodeInfo
	if err := json.Unmarshal(body, &discovery); err != nil {
		return nil, fmt.Errorf("decode nodeinfo discovery for %s: %w", domain, err)
	}

	href := pickNodeInfoLink(discovery.Links)
	if href == "" {
		return nil, fmt.Errorf("no usable nodeinfo link for %s", domain)
	}

	body, err = c.get(ctx, href)
	if err != nil {
		return nil, err
	}

	var info NodeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode nodeinfo for %s: %w", domain, err)
	}

	if value, vtype, err := cache.Encode(&info); err == nil {
		_ = c.cache.Set(ctx, nodeinfoNamespace, domain, value, vtype)
	}
	return &info, nil
}

// pickNodeInfoLink prefers the newest supported schema version.
func pickNodeInfoLink(links []NodeInfoLink) string {
	preferred := []string{
		"http://nodeinfo.diaspora.software/ns/schema/2.1",
		"http://nodeinfo.diaspora.software/ns/schema/2.0",
		"http://nodeinfo.diaspora.software/ns/schema/1.1",
		"http://nodeinfo.diaspora.software/ns/schema/1.0",
	}
	for _, rel := range preferred {
		for _, link := range links {
			if link.Rel == rel && link.Href != "" {
				return link.Href
			}
		}
	}
	return ""
}

// Deliver POSTs a signed activity to a remote inbox. Callers classify the
// returned error with IsTransient to decide on retries.
func (c *Client) Deliver(ctx context.Context, inbox string, payload []byte) error {
	if err := c.gate(inbox); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", c.userAgent)

	if err := SignRequest(req, payload, c.keyID, c.key); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: %s", ErrGone, inbox)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, URL: inbox}
	}
	return nil
}

// DeliverActivity marshals and delivers an activity built by one of the
// constructors in this package.
func (c *Client) DeliverActivity(ctx context.Context, inbox string, activity Activity) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	return c.Deliver(ctx, inbox, payload)
}
