package ap

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringOrArray(t *testing.T) {
	var s StringOrArray
	require.NoError(t, json.Unmarshal([]byte(`"one"`), &s))
	assert.Equal(t, StringOrArray{"one"}, s)

	require.NoError(t, json.Unmarshal([]byte(`["one","two"]`), &s))
	assert.Equal(t, StringOrArray{"one", "two"}, s)

	assert.Error(t, json.Unmarshal([]byte(`42`), &s))
}

func TestIncomingActivityObjectID(t *testing.T) {
	var a IncomingActivity
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "https://a.example/activities/1",
		"type": "Announce",
		"actor": "https://a.example/actor",
		"object": "https://a.example/notes/1"
	}`), &a))
	assert.Equal(t, "https://a.example/notes/1", a.ObjectID())

	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "https://a.example/activities/2",
		"type": "Create",
		"actor": "https://a.example/actor",
		"object": {"id": "https://a.example/notes/2", "type": "Note"}
	}`), &a))
	assert.Equal(t, "https://a.example/notes/2", a.ObjectID())
}

func TestIncomingActivityIsPublic(t *testing.T) {
	public := IncomingActivity{To: StringOrArray{PublicURI}}
	assert.True(t, public.IsPublic())

	publicCC := IncomingActivity{CC: StringOrArray{"https://x.example/followers", PublicURI}}
	assert.True(t, publicCC.IsPublic())

	private := IncomingActivity{To: StringOrArray{"https://x.example/u/alice"}}
	assert.False(t, private.IsPublic())
}

func TestActorSharedInbox(t *testing.T) {
	withShared := Actor{
		Inbox:     "https://a.example/u/relay/inbox",
		Endpoints: &Endpoints{SharedInbox: "https://a.example/inbox"},
	}
	assert.Equal(t, "https://a.example/inbox", withShared.SharedInbox())

	withoutShared := Actor{Inbox: "https://a.example/u/relay/inbox"}
	assert.Equal(t, "https://a.example/u/relay/inbox", withoutShared.SharedInbox())
}

func TestNewAnnounce(t *testing.T) {
	a := NewAnnounce("relay.example", "https://origin.example/notes/1")

	assert.Equal(t, "Announce", a.Type)
	assert.Equal(t, "https://relay.example/actor", a.Actor)
	assert.Equal(t, "https://origin.example/notes/1", a.Object)
	assert.Equal(t, []string{"https://relay.example/followers"}, a.To)
	assert.True(t, strings.HasPrefix(a.ID, "https://relay.example/activities/"))

	// IDs must be unique per announce.
	b := NewAnnounce("relay.example", "https://origin.example/notes/1")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNewResponse(t *testing.T) {
	accept := NewResponse("relay.example", "https://a.example/actor", "https://a.example/activities/f1", true)
	assert.Equal(t, "Accept", accept.Type)
	assert.Equal(t, []string{"https://a.example/actor"}, accept.To)

	object, ok := accept.Object.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Follow", object["type"])
	assert.Equal(t, "https://a.example/activities/f1", object["id"])
	assert.Equal(t, "https://relay.example/actor", object["object"])

	reject := NewResponse("relay.example", "https://a.example/actor", "https://a.example/activities/f1", false)
	assert.Equal(t, "Reject", reject.Type)
}

func TestNewUndoFollow(t *testing.T) {
	undo := NewUndoFollow("relay.example", "https://a.example/actor", "https://relay.example/activities/f1")
	assert.Equal(t, "Undo", undo.Type)

	object, ok := undo.Object.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Follow", object["type"])
	assert.Equal(t, "https://relay.example/actor", object["actor"])
	assert.Equal(t, "https://a.example/actor", object["object"])
}

func TestNewActorDocument(t *testing.T) {
	doc := NewActorDocument("relay.example", "PEM", "My Relay", "A relay.")

	assert.Equal(t, "https://relay.example/actor", doc["id"])
	assert.Equal(t, "Application", doc["type"])
	assert.Equal(t, "relay", doc["preferredUsername"])
	assert.Equal(t, "My Relay", doc["name"])

	pubkey, ok := doc["publicKey"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://relay.example/actor#main-key", pubkey["id"])
	assert.Equal(t, "PEM", pubkey["publicKeyPem"])

	// An unset name falls back to the default.
	doc = NewActorDocument("relay.example", "PEM", "", "")
	assert.Equal(t, "ActivityRelay", doc["name"])
}
