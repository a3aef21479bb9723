// Package ap implements the ActivityPub side of the relay: wire types,
// the relay's RSA keypair, HTTP signature signing and verification, and
// the federation HTTP client.
package ap

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"

	ContentType = "application/activity+json"
	AcceptTypes = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

// Activity is an outbound ActivityStreams activity built by the relay.
type Activity struct {
	Context any      `json:"@context"`
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	Object  any      `json:"object"`
	To      []string `json:"to,omitempty"`
	CC      []string `json:"cc,omitempty"`
}

// IncomingActivity parses an inbound activity, where the object may be a
// string IRI or an embedded object.
type IncomingActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
	To     StringOrArray   `json:"to,omitempty"`
	CC     StringOrArray   `json:"cc,omitempty"`
}

// ObjectID returns the IRI of the activity's object, whether it is given
// as a string or embedded.
func (a IncomingActivity) ObjectID() string {
	var id string
	if err := json.Unmarshal(a.Object, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// IsPublic reports whether the activity is addressed to the public
// collection. The relay only rebroadcasts public activities.
func (a IncomingActivity) IsPublic() bool {
	for _, r := range a.To {
		if r == PublicURI {
			return true
		}
	}
	for _, r := range a.CC {
		if r == PublicURI {
			return true
		}
	}
	return false
}

// Actor represents a remote ActivityPub actor document.
type Actor struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	Name              string     `json:"name,omitempty"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Inbox             string     `json:"inbox"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
}

// SharedInbox returns the actor's shared inbox, falling back to the
// personal inbox.
func (a *Actor) SharedInbox() string {
	if a.Endpoints != nil && a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.Inbox
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints holds the shared inbox endpoint.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Collection is an unpaginated AP collection (followers/following).
type Collection struct {
	Context    any      `json:"@context"`
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	TotalItems int      `json:"totalItems"`
	Items      []string `json:"items"`
}

// WebFinger response structures.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// NodeInfo structures (schema 2.0).
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          map[string]any   `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

// WellKnownNodeInfo is the discovery document at /.well-known/nodeinfo.
type WellKnownNodeInfo struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// ─── Activity constructors ────────────────────────────────────────────────────

func newID(host string) string {
	return "https://" + host + "/activities/" + uuid.NewString()
}

// NewAnnounce wraps an object (IRI or full embedded activity) in an
// Announce addressed to the relay's followers collection.
func NewAnnounce(host string, object any) Activity {
	return Activity{
		Context: ActivityStreamsNS,
		ID:      newID(host),
		Type:    "Announce",
		Actor:   "https://" + host + "/actor",
		Object:  object,
		To:      []string{"https://" + host + "/followers"},
	}
}

// NewFollow builds the reciprocal Follow sent to a new subscriber.
func NewFollow(host, actor string) Activity {
	return Activity{
		Context: ActivityStreamsNS,
		ID:      newID(host),
		Type:    "Follow",
		Actor:   "https://" + host + "/actor",
		Object:  actor,
		To:      []string{actor},
	}
}

// NewResponse builds an Accept or Reject for a received Follow.
func NewResponse(host, actor, followID string, accept bool) Activity {
	kind := "Reject"
	if accept {
		kind = "Accept"
	}
	return Activity{
		Context: ActivityStreamsNS,
		ID:      newID(host),
		Type:    kind,
		Actor:   "https://" + host + "/actor",
		To:      []string{actor},
		Object: map[string]any{
			"id":     followID,
			"type":   "Follow",
			"object": "https://" + host + "/actor",
			"actor":  actor,
		},
	}
}

// NewUndoFollow builds the Undo sent when the relay unsubscribes from an
// instance. followID is the id of our original outbound Follow.
func NewUndoFollow(host, actor, followID string) Activity {
	return Activity{
		Context: ActivityStreamsNS,
		ID:      newID(host),
		Type:    "Undo",
		Actor:   "https://" + host + "/actor",
		To:      []string{actor},
		Object: map[string]any{
			"id":     followID,
			"type":   "Follow",
			"object": actor,
			"actor":  "https://" + host + "/actor",
		},
	}
}

// NewActorDocument builds the relay's own Application actor document.
func NewActorDocument(host, publicKeyPEM, name, summary string) map[string]any {
	actor := "https://" + host + "/actor"
	if name == "" {
		name = "ActivityRelay"
	}
	return map[string]any{
		"@context":          ActivityStreamsNS,
		"id":                actor,
		"type":              "Application",
		"preferredUsername": "relay",
		"name":              name,
		"summary":           summary,
		"followers":         "https://" + host + "/followers",
		"following":         "https://" + host + "/following",
		"inbox":             "https://" + host + "/inbox",
		"url":               "https://" + host + "/",
		"endpoints": map[string]any{
			"sharedInbox": "https://" + host + "/inbox",
		},
		"publicKey": map[string]any{
			"id":           actor + "#main-key",
			"owner":        actor,
			"publicKeyPem": publicKeyPEM,
		},
	}
}
