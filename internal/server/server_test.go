package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/config"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/policy"
	"github.com/klppl/relay/internal/queue"
)

// remoteInstance is a fake federated instance whose actor and nodeinfo
// documents are pre-seeded into the cache, so signature verification and
// software discovery run without network access.
type remoteInstance struct {
	domain   string
	actorIRI string
	keys     *ap.KeyPair
}

// remoteKeyPair is shared by all fake remotes; generating one RSA key
// per test would dominate the suite's runtime.
var remoteKeyPair = mustGenerateKeys()

func mustGenerateKeys() *ap.KeyPair {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	return &ap.KeyPair{
		Private:   key,
		Public:    &key.PublicKey,
		PublicPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})),
	}
}

type testEnv struct {
	srv   *Server
	store *db.Store
	kv    cache.Cache
	pool  *queue.Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.Open("sqlite", ":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())

	keys, err := ap.LoadOrGenerateKeyPair(store)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Domain = "relay.example.com"

	kv := cache.NewSQL(store)
	pol := policy.New(store)
	client := ap.NewClient(cfg, keys, kv, pol.Gate())
	pool := queue.NewPool(1, client, store)

	return &testEnv{
		srv:   New(cfg, store, keys, client, pool, pol),
		store: store,
		kv:    kv,
		pool:  pool,
	}
}

// addRemote seeds the cache with a remote instance's actor and nodeinfo.
func (e *testEnv) addRemote(t *testing.T, domain, actorType, software string) *remoteInstance {
	t.Helper()

	keys := remoteKeyPair
	actorIRI := "https://" + domain + "/actor"
	actorJSON, err := json.Marshal(map[string]any{
		"id":    actorIRI,
		"type":  actorType,
		"inbox": actorIRI + "/inbox",
		"endpoints": map[string]string{
			"sharedInbox": "https://" + domain + "/inbox",
		},
		"publicKey": map[string]string{
			"id":           actorIRI + "#main-key",
			"owner":        actorIRI,
			"publicKeyPem": keys.PublicPEM,
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.kv.Set(context.Background(), "actors", actorIRI, string(actorJSON), "json"))

	if software != "" {
		infoJSON, err := json.Marshal(ap.NodeInfo{
			Version:  "2.0",
			Software: ap.NodeInfoSoftware{Name: software, Version: "1.0"},
		})
		require.NoError(t, err)
		require.NoError(t, e.kv.Set(context.Background(), "nodeinfo", domain, string(infoJSON), "json"))
	}

	return &remoteInstance{domain: domain, actorIRI: actorIRI, keys: keys}
}

// post delivers a signed activity to the relay inbox.
func (e *testEnv) post(t *testing.T, remote *remoteInstance, activity map[string]any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(activity)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", ap.ContentType)
	require.NoError(t, ap.SignRequest(req, body, remote.actorIRI+"#main-key", remote.keys.Private))

	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "https://relay.example.com"+path, nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func followActivity(remote *remoteInstance, id string) map[string]any {
	return map[string]any{
		"@context": ap.ActivityStreamsNS,
		"id":       id,
		"type":     "Follow",
		"actor":    remote.actorIRI,
		"object":   "https://relay.example.com/actor",
	}
}

// subscribe runs the full Follow handshake for a remote and drains the
// resulting control deliveries.
func (e *testEnv) subscribe(t *testing.T, remote *remoteInstance) {
	t.Helper()
	rec := e.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/follow-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.drainQueue()
}

func (e *testEnv) drainQueue() {
	for e.pool.TryDequeue() != nil {
	}
}

// ─── Documents ────────────────────────────────────────────────────────────────

func TestActorDocument(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/actor", "/inbox"} {
		rec := env.get(t, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, ap.ContentType, rec.Header().Get("Content-Type"))

		var doc map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		assert.Equal(t, "https://relay.example.com/actor", doc["id"])
		assert.Equal(t, "Application", doc["type"])
		assert.Contains(t, doc["publicKey"].(map[string]any)["publicKeyPem"], "PUBLIC KEY")
	}
}

func TestWebFinger(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/.well-known/webfinger?resource=acct:relay@relay.example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ap.WebFingerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Links, 1)
	assert.Equal(t, "https://relay.example.com/actor", resp.Links[0].Href)

	rec = env.get(t, "/.well-known/webfinger?resource=acct:other@relay.example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.get(t, "/.well-known/webfinger")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeInfo(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")
	env.subscribe(t, remote)

	rec := env.get(t, "/.well-known/nodeinfo")
	require.Equal(t, http.StatusOK, rec.Code)
	var discovery ap.WellKnownNodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &discovery))
	require.Len(t, discovery.Links, 1)
	assert.Equal(t, "https://relay.example.com/nodeinfo/2.0.json", discovery.Links[0].Href)

	rec = env.get(t, "/nodeinfo/2.0.json")
	require.Equal(t, http.StatusOK, rec.Code)
	var info ap.NodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, ap.SoftwareName, info.Software.Name)
	assert.Equal(t, []any{"a.example"}, info.Metadata["peers"].([]any))
}

func TestFollowersCollection(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")
	env.subscribe(t, remote)

	for _, path := range []string{"/followers", "/following"} {
		rec := env.get(t, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var coll ap.Collection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &coll))
		assert.Equal(t, 1, coll.TotalItems)
		assert.Equal(t, []string{remote.actorIRI}, coll.Items)
	}
}

// ─── Inbox ingest ─────────────────────────────────────────────────────────────

func TestInboxRejectsUnsigned(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")

	body, err := json.Marshal(followActivity(remote, remote.actorIRI+"/activities/1"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	_, err = env.store.GetInbox("a.example")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestInboxRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox",
		bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFollowSubscribes(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")

	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	inst, err := env.store.GetInbox("a.example")
	require.NoError(t, err)
	assert.True(t, inst.Accepted)
	assert.Equal(t, remote.actorIRI+"/activities/f1", inst.FollowID)
	assert.Equal(t, "pleroma", inst.Software)
	assert.Equal(t, "https://a.example/inbox", inst.Inbox)

	// Accept plus the reciprocal Follow.
	assert.Equal(t, 2, env.pool.Pending())
}

func TestFollowFromMastodonSkipsReciprocalFollow(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "m.example", "Application", "mastodon")

	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Only the Accept; Mastodon rejects unsolicited Follows back.
	assert.Equal(t, 1, env.pool.Pending())
}

func TestFollowIdempotent(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")

	env.subscribe(t, remote)

	// A re-follow with a fresh activity ID refreshes the row instead of
	// duplicating it.
	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f2"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	inboxes, err := env.store.GetInboxes()
	require.NoError(t, err)
	require.Len(t, inboxes, 1)
	assert.Equal(t, remote.actorIRI+"/activities/f2", inboxes[0].FollowID)
}

func TestFollowApprovalRequired(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.PutConfig("approval-required", "true", "bool"))
	remote := env.addRemote(t, "a.example", "Application", "pleroma")

	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Parked as a pending request, nothing sent yet.
	assert.Zero(t, env.pool.Pending())
	requests, err := env.store.GetRequests()
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "a.example", requests[0].Domain)

	inboxes, err := env.store.GetInboxes()
	require.NoError(t, err)
	assert.Empty(t, inboxes)
}

func TestFollowFromPersonRejected(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Person", "pleroma")

	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// A Reject goes out and no subscription is stored.
	assert.Equal(t, 1, env.pool.Pending())
	_, err := env.store.GetInbox("a.example")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestFollowFromPleromaRelayActorAllowed(t *testing.T) {
	env := newTestEnv(t)

	// Pleroma's instance actor is a Person at /relay.
	keys := remoteKeyPair
	actorIRI := "https://p.example/relay"
	actorJSON, err := json.Marshal(map[string]any{
		"id":    actorIRI,
		"type":  "Person",
		"inbox": "https://p.example/inbox",
		"publicKey": map[string]string{
			"id":           actorIRI + "#main-key",
			"owner":        actorIRI,
			"publicKeyPem": keys.PublicPEM,
		},
	})
	require.NoError(t, err)
	require.NoError(t, env.kv.Set(context.Background(), "actors", actorIRI, string(actorJSON), "json"))

	infoJSON, err := json.Marshal(ap.NodeInfo{
		Version:  "2.0",
		Software: ap.NodeInfoSoftware{Name: "pleroma", Version: "2.6"},
	})
	require.NoError(t, err)
	require.NoError(t, env.kv.Set(context.Background(), "nodeinfo", "p.example", string(infoJSON), "json"))

	remote := &remoteInstance{domain: "p.example", actorIRI: actorIRI, keys: keys}
	rec := env.post(t, remote, followActivity(remote, actorIRI+"/activities/f1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err = env.store.GetInbox("p.example")
	assert.NoError(t, err)
}

func TestBannedDomainRejected(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "bad.example", "Application", "pleroma")
	require.NoError(t, env.store.PutDomainBan(db.DomainBan{Domain: "bad.example"}))

	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "blocked")

	_, err := env.store.GetInbox("bad.example")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Zero(t, env.pool.Pending())
}

func TestBannedSoftwareFollowRejected(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "misskey")
	require.NoError(t, env.store.PutSoftwareBan(db.SoftwareBan{Name: "misskey"}))

	rec := env.post(t, remote, followActivity(remote, remote.actorIRI+"/activities/f1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The relay answers with a Reject instead of subscribing.
	assert.Equal(t, 1, env.pool.Pending())
	_, err := env.store.GetInbox("a.example")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDuplicateActivityAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")

	activity := followActivity(remote, remote.actorIRI+"/activities/f1")
	rec := env.post(t, remote, activity)
	require.Equal(t, http.StatusAccepted, rec.Code)
	pending := env.pool.Pending()

	// The replay is acknowledged but has no effect.
	rec = env.post(t, remote, activity)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, pending, env.pool.Pending())
}

func TestNonFollowerActivityRejected(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")

	rec := env.post(t, remote, map[string]any{
		"@context": ap.ActivityStreamsNS,
		"id":       remote.actorIRI + "/activities/n1",
		"type":     "Announce",
		"actor":    remote.actorIRI,
		"object":   "https://a.example/notes/1",
		"to":       []string{ap.PublicURI},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.pool.Pending())
}

func TestAnnounceFanout(t *testing.T) {
	env := newTestEnv(t)
	origin := env.addRemote(t, "origin.example", "Application", "pleroma")
	env.subscribe(t, origin)
	env.subscribe(t, env.addRemote(t, "b.example", "Application", "pleroma"))
	env.subscribe(t, env.addRemote(t, "c.example", "Application", "pleroma"))

	rec := env.post(t, origin, map[string]any{
		"@context": ap.ActivityStreamsNS,
		"id":       origin.actorIRI + "/activities/n1",
		"type":     "Create",
		"actor":    origin.actorIRI,
		"object":   "https://origin.example/notes/1",
		"to":       []string{ap.PublicURI},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Everyone but the origin gets the announce.
	assert.Equal(t, 2, env.pool.Pending())
	for i := 0; i < 2; i++ {
		d := env.pool.TryDequeue()
		require.NotNil(t, d)
		assert.NotEqual(t, "origin.example", d.Domain)

		var announce ap.Activity
		require.NoError(t, json.Unmarshal(d.Payload, &announce))
		assert.Equal(t, "Announce", announce.Type)
		assert.Equal(t, "https://relay.example.com/actor", announce.Actor)
		assert.Equal(t, "https://origin.example/notes/1", announce.Object)
	}
}

func TestPrivateActivityNotRelayed(t *testing.T) {
	env := newTestEnv(t)
	origin := env.addRemote(t, "origin.example", "Application", "pleroma")
	env.subscribe(t, origin)
	env.subscribe(t, env.addRemote(t, "b.example", "Application", "pleroma"))

	rec := env.post(t, origin, map[string]any{
		"@context": ap.ActivityStreamsNS,
		"id":       origin.actorIRI + "/activities/dm1",
		"type":     "Create",
		"actor":    origin.actorIRI,
		"object":   "https://origin.example/notes/dm",
		"to":       []string{"https://b.example/u/alice"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, env.pool.Pending())
}

func TestDeleteForwardedWithEmbeddedObject(t *testing.T) {
	env := newTestEnv(t)
	origin := env.addRemote(t, "origin.example", "Application", "pleroma")
	env.subscribe(t, origin)
	env.subscribe(t, env.addRemote(t, "b.example", "Application", "pleroma"))

	rec := env.post(t, origin, map[string]any{
		"@context": ap.ActivityStreamsNS,
		"id":       origin.actorIRI + "/activities/d1",
		"type":     "Delete",
		"actor":    origin.actorIRI,
		"object": map[string]any{
			"id":   "https://origin.example/notes/1",
			"type": "Tombstone",
		},
		"to": []string{ap.PublicURI},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Equal(t, 1, env.pool.Pending())
	d := env.pool.TryDequeue()
	require.NotNil(t, d)

	var announce ap.Activity
	require.NoError(t, json.Unmarshal(d.Payload, &announce))
	assert.Equal(t, "Announce", announce.Type)
	// The tombstone rides along in full, not as a bare IRI.
	object, ok := announce.Object.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Tombstone", object["type"])
}

func TestUndoUnsubscribes(t *testing.T) {
	env := newTestEnv(t)
	remote := env.addRemote(t, "a.example", "Application", "pleroma")
	env.subscribe(t, remote)

	rec := env.post(t, remote, map[string]any{
		"@context": ap.ActivityStreamsNS,
		"id":       remote.actorIRI + "/activities/u1",
		"type":     "Undo",
		"actor":    remote.actorIRI,
		"object": map[string]any{
			"id":     remote.actorIRI + "/activities/follow-1",
			"type":   "Follow",
			"actor":  remote.actorIRI,
			"object": "https://relay.example.com/actor",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err := env.store.GetInbox("a.example")
	assert.ErrorIs(t, err, db.ErrNotFound)
	// The Undo is acknowledged with an Accept.
	assert.Equal(t, 1, env.pool.Pending())
}

func TestOversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t)

	big := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "https://relay.example.com/inbox", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHome(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay.example.com")
}
