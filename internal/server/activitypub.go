package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/queue"
)

// maxBodyBytes caps inbound activity bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// ─── Documents ────────────────────────────────────────────────────────────────

func (s *Server) handleActorDocument(w http.ResponseWriter, r *http.Request) {
	name, _, _ := s.store.GetConfig("name")
	note, _, _ := s.store.GetConfig("note")
	apResponse(w, ap.NewActorDocument(s.cfg.Domain, s.keys.PublicPEM, name, note))
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.handleCollection(w, "followers")
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.handleCollection(w, "following")
}

// handleCollection serves the subscriber list. The relay follows back
// everyone it accepts, so both collections hold the same actors.
func (s *Server) handleCollection(w http.ResponseWriter, which string) {
	inboxes, err := s.store.GetInboxes()
	if err != nil {
		slog.Error("list inboxes", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]string, 0, len(inboxes))
	for _, inst := range inboxes {
		if inst.Actor != "" {
			items = append(items, inst.Actor)
		}
	}

	apResponse(w, ap.Collection{
		Context:    ap.ActivityStreamsNS,
		ID:         "https://" + s.cfg.Domain + "/" + which,
		Type:       "Collection",
		TotalItems: len(items),
		Items:      items,
	})
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		errorResponse(w, "missing resource", http.StatusBadRequest)
		return
	}

	if resource != "acct:relay@"+s.cfg.Domain {
		errorResponse(w, "user not found", http.StatusNotFound)
		return
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{s.cfg.ActorIRI()},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: ap.ContentType, Href: s.cfg.ActorIRI()},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := ap.WellKnownNodeInfo{
		Links: []ap.NodeInfoLink{{
			Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
			Href: "https://" + s.cfg.Domain + "/nodeinfo/2.0.json",
		}},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	inboxes, err := s.store.GetInboxes()
	if err != nil {
		slog.Error("list inboxes", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	peers := make([]string, 0, len(inboxes))
	for _, inst := range inboxes {
		peers = append(peers, inst.Domain)
	}

	whitelisted, _ := s.store.GetConfigBool("whitelist-enabled")

	info := ap.NodeInfo{
		Version: "2.0",
		Software: ap.NodeInfoSoftware{
			Name:    ap.SoftwareName,
			Version: ap.SoftwareVersion,
		},
		Protocols: []string{"activitypub"},
		Services: ap.NodeInfoServices{
			Inbound:  []string{},
			Outbound: []string{},
		},
		OpenRegistrations: !whitelisted,
		Metadata: map[string]any{
			"peers": peers,
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// ─── Inbox ingest ─────────────────────────────────────────────────────────────

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		errorResponse(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		errorResponse(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var activity ap.IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		errorResponse(w, "missing id, type or actor", http.StatusBadRequest)
		return
	}

	actorDomain, err := domainOf(activity.Actor)
	if err != nil {
		errorResponse(w, "invalid actor iri", http.StatusBadRequest)
		return
	}

	inbox, err := s.store.GetInbox(actorDomain)
	known := err == nil
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("inbox lookup", "domain", actorDomain, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Policy runs before signature verification: verifying means fetching
	// the signer's key, and the relay never talks to a banned domain.
	software := ""
	if known {
		software = inbox.Software
	}
	decision, err := s.policy.Check(actorDomain, software)
	if err != nil {
		slog.Error("policy check", "domain", actorDomain, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !decision.Allowed() {
		slog.Info("rejected activity by policy",
			"domain", actorDomain, "decision", decision.String())
		errorResponse(w, "blocked", http.StatusForbidden)
		return
	}

	keyID, err := ap.VerifyRequest(r, body, s.client.FetchKey)
	if err != nil {
		slog.Warn("rejected unsigned or badly signed activity",
			"error", err, "remote", r.RemoteAddr)
		errorResponse(w, err.Error(), http.StatusUnauthorized)
		return
	}

	// The signing key must belong to the same domain as the actor, or
	// anyone could replay third-party activities under their own key.
	keyDomain, err := domainOf(keyID)
	if err != nil || !strings.EqualFold(keyDomain, actorDomain) {
		errorResponse(w, "signature key does not match actor", http.StatusUnauthorized)
		return
	}

	// Replays and multi-path duplicates are acknowledged without effect.
	if s.dedup.Seen(activity.ID) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Everything except a Follow requires an existing subscription.
	if !known && activity.Type != "Follow" {
		errorResponse(w, "not subscribed", http.StatusUnauthorized)
		return
	}

	// Rows created before nodeinfo discovery existed have no software
	// recorded; backfill off the request path.
	if known && inbox.Software == "" {
		go s.backfillSoftware(inbox.Domain)
	}

	switch activity.Type {
	case "Follow":
		s.handleFollow(w, r, activity, actorDomain)
	case "Undo":
		s.handleUndo(w, r, activity, inbox)
	case "Create", "Announce", "Move":
		s.handleRelayObject(w, r, activity, actorDomain)
	case "Update", "Delete":
		s.handleForward(w, r, activity, actorDomain)
	case "Accept":
		s.handleFollowAccepted(w, r, inbox)
	case "Reject":
		s.handleFollowRejected(w, r, inbox)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleFollow subscribes an instance, or parks it as a pending request
// when approval is required.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request, activity ap.IncomingActivity, domain string) {
	ctx := r.Context()

	actor, err := s.client.FetchActor(ctx, activity.Actor)
	if err != nil {
		slog.Warn("fetch follower actor", "actor", activity.Actor, "error", err)
		errorResponse(w, "could not fetch actor", http.StatusBadGateway)
		return
	}

	// Only instance-level actors may subscribe. Pleroma and Akkoma
	// expose their instance actor as a Person at /relay, so that exact
	// IRI is allowed through.
	if !instanceActor(actor, domain) {
		slog.Info("rejecting follow from non-instance actor",
			"actor", actor.ID, "type", actor.Type)
		s.enqueueActivity(ctx, actor.SharedInbox(), domain,
			ap.NewResponse(s.cfg.Domain, actor.ID, activity.ID, false))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	software := s.discoverSoftware(ctx, domain)

	// The software may be bannable even though the domain is not.
	decision, err := s.policy.Check(domain, software)
	if err == nil && !decision.Allowed() {
		slog.Info("rejecting follow by policy", "domain", domain, "decision", decision.String())
		s.enqueueActivity(ctx, actor.SharedInbox(), domain,
			ap.NewResponse(s.cfg.Domain, actor.ID, activity.ID, false))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	approval, _ := s.store.GetConfigBool("approval-required")

	if err := s.store.PutInbox(db.Instance{
		Domain:   domain,
		Actor:    actor.ID,
		Inbox:    actor.SharedInbox(),
		FollowID: activity.ID,
		Software: software,
		Accepted: !approval,
	}); err != nil {
		slog.Error("store inbox", "domain", domain, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	if approval {
		slog.Info("subscription pending approval", "domain", domain)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.enqueueActivity(ctx, actor.SharedInbox(), domain,
		ap.NewResponse(s.cfg.Domain, actor.ID, activity.ID, true))

	// Mastodon refuses Follows from actors it does not already follow,
	// so skip the reciprocal Follow there.
	if !strings.EqualFold(software, "mastodon") {
		s.enqueueActivity(ctx, actor.SharedInbox(), domain,
			ap.NewFollow(s.cfg.Domain, actor.ID))
	}

	slog.Info("instance subscribed", "domain", domain, "software", software)
	w.WriteHeader(http.StatusAccepted)
}

// handleUndo unsubscribes an instance when the undone object is its
// Follow.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request, activity ap.IncomingActivity, inbox db.Instance) {
	var object struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(activity.Object, &object); err != nil || object.Type != "Follow" {
		// Undo of a boost or like; nothing for the relay to do.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if inbox.FollowID != "" && object.ID != "" && inbox.FollowID != object.ID {
		slog.Debug("undo for unknown follow", "domain", inbox.Domain, "follow", object.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := s.store.DelInbox(inbox.Domain); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("remove inbox", "domain", inbox.Domain, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.enqueueActivity(r.Context(), inbox.Inbox, inbox.Domain,
		ap.NewResponse(s.cfg.Domain, inbox.Actor, activity.ID, true))

	slog.Info("instance unsubscribed", "domain", inbox.Domain)
	w.WriteHeader(http.StatusAccepted)
}

// handleRelayObject rebroadcasts a public Create/Announce/Move as an
// Announce of the object IRI.
func (s *Server) handleRelayObject(w http.ResponseWriter, r *http.Request, activity ap.IncomingActivity, domain string) {
	if !activity.IsPublic() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	objectID := activity.ObjectID()
	if objectID == "" {
		errorResponse(w, "activity has no object", http.StatusBadRequest)
		return
	}

	s.fanout(w, r, ap.NewAnnounce(s.cfg.Domain, objectID), domain)
}

// handleForward rebroadcasts a public Delete/Update with the full object
// embedded, since the original may no longer be fetchable.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request, activity ap.IncomingActivity, domain string) {
	if !activity.IsPublic() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(activity.Object, &raw); err != nil {
		// Object given as a bare IRI; announce that instead.
		s.handleRelayObject(w, r, activity, domain)
		return
	}

	s.fanout(w, r, ap.NewAnnounce(s.cfg.Domain, raw), domain)
}

// handleFollowAccepted finalizes a relay-to-relay subscription we
// initiated.
func (s *Server) handleFollowAccepted(w http.ResponseWriter, r *http.Request, inbox db.Instance) {
	if !inbox.Accepted {
		inbox.Accepted = true
		if err := s.store.PutInbox(inbox); err != nil {
			slog.Error("mark inbox accepted", "domain", inbox.Domain, "error", err)
			errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		slog.Info("outbound follow accepted", "domain", inbox.Domain)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleFollowRejected drops the inbox row for a refused outbound Follow.
func (s *Server) handleFollowRejected(w http.ResponseWriter, r *http.Request, inbox db.Instance) {
	if err := s.store.DelInbox(inbox.Domain); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("remove rejected inbox", "domain", inbox.Domain, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("outbound follow rejected", "domain", inbox.Domain)
	w.WriteHeader(http.StatusAccepted)
}

// fanout marshals the activity and enqueues it to every subscriber except
// the origin. A saturated queue turns into a 503 with Retry-After.
func (s *Server) fanout(w http.ResponseWriter, r *http.Request, announce ap.Activity, origin string) {
	payload, err := json.Marshal(announce)
	if err != nil {
		slog.Error("encode announce", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	n, err := s.pool.Fanout(r.Context(), payload, origin)
	if err != nil {
		if errors.Is(err, queue.ErrBackpressure) {
			w.Header().Set("Retry-After", "30")
			errorResponse(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		slog.Error("fanout", "origin", origin, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Debug("rebroadcast", "origin", origin, "recipients", n, "id", announce.ID)
	w.WriteHeader(http.StatusAccepted)
}

// enqueueActivity queues a single control activity (Accept, Reject,
// Follow, Undo) for delivery. Failures are logged, not surfaced; control
// messages are best-effort.
func (s *Server) enqueueActivity(ctx context.Context, inbox, domain string, activity ap.Activity) {
	payload, err := json.Marshal(activity)
	if err != nil {
		slog.Error("encode activity", "error", err)
		return
	}
	if err := s.pool.Enqueue(ctx, &queue.Delivery{Domain: domain, Inbox: inbox, Payload: payload}); err != nil {
		slog.Warn("enqueue control activity", "domain", domain, "error", err)
	}
}

// backfillSoftware records the software of an instance subscribed before
// its nodeinfo was known.
func (s *Server) backfillSoftware(domain string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	software := s.discoverSoftware(ctx, domain)
	if software == "" {
		return
	}
	if err := s.store.SetInboxSoftware(domain, software); err != nil {
		slog.Warn("backfill software", "domain", domain, "error", err)
	}
}

// discoverSoftware returns the instance's software name from nodeinfo,
// or "" when discovery fails.
func (s *Server) discoverSoftware(ctx context.Context, domain string) string {
	info, err := s.client.FetchNodeInfo(ctx, domain)
	if err != nil {
		slog.Debug("nodeinfo discovery failed", "domain", domain, "error", err)
		return ""
	}
	return strings.ToLower(info.Software.Name)
}

// instanceActor reports whether the actor may subscribe to the relay.
func instanceActor(actor *ap.Actor, domain string) bool {
	switch actor.Type {
	case "Application", "Service":
		return true
	case "Person":
		// Pleroma and Akkoma publish their instance actor as a Person.
		return actor.ID == "https://"+domain+"/relay"
	default:
		return false
	}
}

func domainOf(iri string) (string, error) {
	u, err := url.Parse(iri)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("no host in iri")
	}
	return strings.ToLower(host), nil
}
