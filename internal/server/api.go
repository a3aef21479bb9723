package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/db"
)

type contextKey string

const tokenContextKey contextKey = "token"

// tokenAuth authenticates /api/v1 requests via a bearer token or the
// user-token cookie set at login.
func (s *Server) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			code = strings.TrimPrefix(auth, "Bearer ")
		} else if cookie, err := r.Cookie("user-token"); err == nil {
			code = cookie.Value
		}
		if code == "" {
			errorResponse(w, "missing token", http.StatusUnauthorized)
			return
		}

		token, err := s.store.GetToken(code)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				errorResponse(w, "invalid token", http.StatusUnauthorized)
				return
			}
			slog.Error("token lookup", "error", err)
			errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenContextKey, token)))
	})
}

func requestToken(r *http.Request) db.Token {
	token, _ := r.Context().Value(tokenContextKey).(db.Token)
	return token
}

// decodeBody reads a small JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(v); err != nil {
		errorResponse(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

// storeError maps store failures to API statuses. The store already
// retried transient driver errors before surfacing ErrUnavailable.
func storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		errorResponse(w, what+" not found", http.StatusNotFound)
	case errors.Is(err, db.ErrConflict):
		errorResponse(w, what+" already exists", http.StatusConflict)
	case errors.Is(err, db.ErrUnavailable):
		slog.Error("store unavailable", "error", err)
		errorResponse(w, "database unavailable", http.StatusBadGateway)
	default:
		slog.Error("store error", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := s.store.VerifyUser(req.Username, req.Password); err != nil {
		errorResponse(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.store.PutToken(req.Username)
	if err != nil {
		slog.Error("create token", "user", req.Username, "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "user-token",
		Value:    token.Code,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"code": token.Code}, http.StatusOK)
}

// handleGetTokens lists the calling user's active token codes.
func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	codes, err := s.store.GetUserTokens(requestToken(r).User)
	if err != nil {
		storeError(w, err, "tokens")
		return
	}
	jsonResponse(w, codes, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if err := s.store.DelToken(token.Code); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("delete token", "error", err)
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "user-token", Value: "", Path: "/", MaxAge: -1})
	jsonResponse(w, map[string]string{"message": "logged out"}, http.StatusOK)
}

// handleRelayInfo is the unauthenticated instance summary.
func (s *Server) handleRelayInfo(w http.ResponseWriter, r *http.Request) {
	name, _, _ := s.store.GetConfig("name")
	note, _, _ := s.store.GetConfig("note")
	whitelisted, _ := s.store.GetConfigBool("whitelist-enabled")

	inboxes, err := s.store.GetInboxes()
	if err != nil {
		storeError(w, err, "inboxes")
		return
	}
	domains := make([]string, 0, len(inboxes))
	for _, inst := range inboxes {
		domains = append(domains, inst.Domain)
	}

	jsonResponse(w, map[string]any{
		"name":              name,
		"note":              note,
		"version":           ap.SoftwareVersion,
		"whitelist_enabled": whitelisted,
		"instances":         domains,
	}, http.StatusOK)
}

// ─── Config ───────────────────────────────────────────────────────────────────

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(db.UserConfigKeys))
	for _, key := range db.UserConfigKeys {
		value, _, err := s.store.GetConfig(key)
		if err != nil {
			storeError(w, err, "config")
			return
		}
		out[key] = value
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !slices.Contains(db.UserConfigKeys, req.Key) {
		errorResponse(w, "unknown config key", http.StatusBadRequest)
		return
	}
	value, ok := normalizeConfigValue(req.Key, req.Value)
	if !ok {
		errorResponse(w, "invalid value for "+req.Key, http.StatusBadRequest)
		return
	}

	vtype := "str"
	if def, ok := db.ConfigDefaults[req.Key]; ok {
		vtype = def.Type
	}
	if err := s.store.PutConfig(req.Key, value, vtype); err != nil {
		storeError(w, err, "config")
		return
	}
	jsonResponse(w, map[string]string{"message": "updated"}, http.StatusOK)
}

// Accepted enum values for the two enum-typed config keys.
var (
	configThemes    = []string{"default", "pink", "blue"}
	configLogLevels = []string{"DEBUG", "VERBOSE", "INFO", "WARNING", "ERROR", "CRITICAL"}
)

// normalizeConfigValue validates a value against its key's enum or type
// and returns the canonical spelling to store.
func normalizeConfigValue(key, value string) (string, bool) {
	switch key {
	case "theme":
		v := strings.ToLower(value)
		return v, slices.Contains(configThemes, v)
	case "log-level":
		v := strings.ToUpper(value)
		return v, slices.Contains(configLogLevels, v)
	}
	if def, ok := db.ConfigDefaults[key]; ok && def.Type == "bool" {
		if _, err := db.ParseBool(value); err != nil {
			return "", false
		}
	}
	return value, true
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !slices.Contains(db.UserConfigKeys, req.Key) {
		errorResponse(w, "unknown config key", http.StatusBadRequest)
		return
	}
	if err := s.store.DelConfig(req.Key); err != nil && !errors.Is(err, db.ErrNotFound) {
		storeError(w, err, "config")
		return
	}
	jsonResponse(w, map[string]string{"message": "reset"}, http.StatusOK)
}

// ─── Instances ────────────────────────────────────────────────────────────────

type instanceResponse struct {
	Domain    string `json:"domain"`
	Actor     string `json:"actor"`
	Inbox     string `json:"inbox"`
	FollowID  string `json:"followid,omitempty"`
	Software  string `json:"software,omitempty"`
	Accepted  bool   `json:"accepted"`
	Failures  int    `json:"failures"`
	CreatedAt string `json:"created"`
}

func instanceJSON(inst db.Instance) instanceResponse {
	return instanceResponse{
		Domain:    inst.Domain,
		Actor:     inst.Actor,
		Inbox:     inst.Inbox,
		FollowID:  inst.FollowID,
		Software:  inst.Software,
		Accepted:  inst.Accepted,
		Failures:  inst.Failures,
		CreatedAt: inst.Created.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleGetInstances(w http.ResponseWriter, r *http.Request) {
	inboxes, err := s.store.GetInboxes()
	if err != nil {
		storeError(w, err, "inboxes")
		return
	}
	out := make([]instanceResponse, 0, len(inboxes))
	for _, inst := range inboxes {
		out = append(out, instanceJSON(inst))
	}
	jsonResponse(w, out, http.StatusOK)
}

// handleAddInstance subscribes the relay to another instance or relay by
// fetching its actor and sending a Follow.
func (s *Server) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		errorResponse(w, "missing actor", http.StatusBadRequest)
		return
	}

	actor, err := s.client.FetchActor(r.Context(), req.Actor)
	if err != nil {
		if errors.Is(err, ap.ErrBlocked) {
			errorResponse(w, "blocked", http.StatusForbidden)
			return
		}
		slog.Warn("fetch actor", "actor", req.Actor, "error", err)
		errorResponse(w, "could not fetch actor", http.StatusBadGateway)
		return
	}

	domain, err := domainOf(actor.ID)
	if err != nil {
		errorResponse(w, "invalid actor iri", http.StatusBadRequest)
		return
	}

	follow := ap.NewFollow(s.cfg.Domain, actor.ID)

	// Accepted stays false until the remote side sends its Accept.
	inst := db.Instance{
		Domain:   domain,
		Actor:    actor.ID,
		Inbox:    actor.SharedInbox(),
		FollowID: follow.ID,
		Software: s.discoverSoftware(r.Context(), domain),
		Accepted: false,
	}
	if err := s.store.PutInbox(inst); err != nil {
		storeError(w, err, "inbox")
		return
	}

	s.enqueueActivity(r.Context(), actor.SharedInbox(), domain, follow)
	jsonResponse(w, instanceJSON(inst), http.StatusOK)
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain   string `json:"domain"`
		Software string `json:"software"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	inst, err := s.store.GetInbox(req.Domain)
	if err != nil {
		storeError(w, err, "instance")
		return
	}
	if req.Software != "" {
		if err := s.store.SetInboxSoftware(inst.Domain, strings.ToLower(req.Software)); err != nil {
			storeError(w, err, "instance")
			return
		}
		inst.Software = strings.ToLower(req.Software)
	}
	jsonResponse(w, instanceJSON(inst), http.StatusOK)
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	inst, err := s.store.GetInbox(req.Domain)
	if err != nil {
		storeError(w, err, "instance")
		return
	}

	if inst.FollowID != "" {
		s.enqueueActivity(r.Context(), inst.Inbox, inst.Domain,
			ap.NewUndoFollow(s.cfg.Domain, inst.Actor, inst.FollowID))
	}
	if err := s.store.DelInbox(inst.Domain); err != nil {
		storeError(w, err, "instance")
		return
	}
	jsonResponse(w, map[string]string{"message": "removed"}, http.StatusOK)
}

// ─── Bans ─────────────────────────────────────────────────────────────────────

func (s *Server) handleGetDomainBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.store.GetDomainBans()
	if err != nil {
		storeError(w, err, "domain bans")
		return
	}
	out := make([]map[string]string, 0, len(bans))
	for _, ban := range bans {
		out = append(out, map[string]string{
			"domain": ban.Domain,
			"reason": ban.Reason,
			"note":   ban.Note,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleAddDomainBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Domain == "" {
		errorResponse(w, "missing domain", http.StatusBadRequest)
		return
	}

	if err := s.store.PutDomainBan(db.DomainBan{
		Domain: strings.ToLower(req.Domain),
		Reason: req.Reason,
		Note:   req.Note,
	}); err != nil {
		storeError(w, err, "domain ban")
		return
	}
	slog.Info("domain banned", "domain", req.Domain, "user", requestToken(r).User)
	jsonResponse(w, map[string]string{"message": "banned"}, http.StatusOK)
}

func (s *Server) handleUpdateDomainBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.UpdateDomainBan(strings.ToLower(req.Domain), req.Reason, req.Note); err != nil {
		storeError(w, err, "domain ban")
		return
	}
	jsonResponse(w, map[string]string{"message": "updated"}, http.StatusOK)
}

func (s *Server) handleRemoveDomainBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.DelDomainBan(strings.ToLower(req.Domain)); err != nil {
		storeError(w, err, "domain ban")
		return
	}
	jsonResponse(w, map[string]string{"message": "unbanned"}, http.StatusOK)
}

func (s *Server) handleGetSoftwareBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.store.GetSoftwareBans()
	if err != nil {
		storeError(w, err, "software bans")
		return
	}
	out := make([]map[string]string, 0, len(bans))
	for _, ban := range bans {
		out = append(out, map[string]string{
			"name":   ban.Name,
			"reason": ban.Reason,
			"note":   ban.Note,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleAddSoftwareBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorResponse(w, "missing name", http.StatusBadRequest)
		return
	}

	if err := s.store.PutSoftwareBan(db.SoftwareBan{
		Name:   req.Name,
		Reason: req.Reason,
		Note:   req.Note,
	}); err != nil {
		storeError(w, err, "software ban")
		return
	}
	slog.Info("software banned", "name", req.Name, "user", requestToken(r).User)
	jsonResponse(w, map[string]string{"message": "banned"}, http.StatusOK)
}

func (s *Server) handleUpdateSoftwareBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.UpdateSoftwareBan(req.Name, req.Reason, req.Note); err != nil {
		storeError(w, err, "software ban")
		return
	}
	jsonResponse(w, map[string]string{"message": "updated"}, http.StatusOK)
}

func (s *Server) handleRemoveSoftwareBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.DelSoftwareBan(req.Name); err != nil {
		storeError(w, err, "software ban")
		return
	}
	jsonResponse(w, map[string]string{"message": "unbanned"}, http.StatusOK)
}

// ─── Whitelist ────────────────────────────────────────────────────────────────

func (s *Server) handleGetWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetWhitelist()
	if err != nil {
		storeError(w, err, "whitelist")
		return
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Domain)
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleAddWhitelistEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Domain == "" {
		errorResponse(w, "missing domain", http.StatusBadRequest)
		return
	}
	if err := s.store.PutWhitelistEntry(strings.ToLower(req.Domain)); err != nil {
		storeError(w, err, "whitelist")
		return
	}
	jsonResponse(w, map[string]string{"message": "whitelisted"}, http.StatusOK)
}

func (s *Server) handleRemoveWhitelistEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.DelWhitelistEntry(strings.ToLower(req.Domain)); err != nil {
		storeError(w, err, "whitelist")
		return
	}
	jsonResponse(w, map[string]string{"message": "removed"}, http.StatusOK)
}

// ─── Users ────────────────────────────────────────────────────────────────────

func (s *Server) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.GetUsers()
	if err != nil {
		storeError(w, err, "users")
		return
	}
	out := make([]map[string]string, 0, len(users))
	for _, user := range users {
		out = append(out, map[string]string{
			"username": user.Username,
			"handle":   user.Handle,
			"created":  user.Created.UTC().Format(time.RFC3339),
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Handle   string `json:"handle"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		errorResponse(w, "missing username or password", http.StatusBadRequest)
		return
	}
	user, err := s.store.PutUser(req.Username, req.Password, req.Handle)
	if err != nil {
		storeError(w, err, "user")
		return
	}
	jsonResponse(w, map[string]string{"username": user.Username, "handle": user.Handle}, http.StatusOK)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.DelUser(req.Username); err != nil {
		storeError(w, err, "user")
		return
	}
	jsonResponse(w, map[string]string{"message": "deleted"}, http.StatusOK)
}

// ─── Follow requests ──────────────────────────────────────────────────────────

func (s *Server) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := s.store.GetRequests()
	if err != nil {
		storeError(w, err, "requests")
		return
	}
	out := make([]instanceResponse, 0, len(requests))
	for _, inst := range requests {
		out = append(out, instanceJSON(inst))
	}
	jsonResponse(w, out, http.StatusOK)
}

// handleResolveRequest accepts or denies a pending subscription.
func (s *Server) handleResolveRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Accept bool   `json:"accept"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if !req.Accept {
		inst, err := s.store.GetInbox(req.Domain)
		if err != nil {
			storeError(w, err, "request")
			return
		}
		if err := s.store.DelInbox(inst.Domain); err != nil {
			storeError(w, err, "request")
			return
		}
		s.enqueueActivity(r.Context(), inst.Inbox, inst.Domain,
			ap.NewResponse(s.cfg.Domain, inst.Actor, inst.FollowID, false))
		jsonResponse(w, map[string]string{"message": "denied"}, http.StatusOK)
		return
	}

	inst, err := s.store.AcceptRequest(strings.ToLower(req.Domain))
	if err != nil {
		storeError(w, err, "request")
		return
	}

	s.enqueueActivity(r.Context(), inst.Inbox, inst.Domain,
		ap.NewResponse(s.cfg.Domain, inst.Actor, inst.FollowID, true))
	if !strings.EqualFold(inst.Software, "mastodon") {
		s.enqueueActivity(r.Context(), inst.Inbox, inst.Domain,
			ap.NewFollow(s.cfg.Domain, inst.Actor))
	}

	slog.Info("subscription approved", "domain", inst.Domain, "user", requestToken(r).User)
	jsonResponse(w, instanceJSON(inst), http.StatusOK)
}
