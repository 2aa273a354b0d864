package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

const (
	EventHello           = "hello"
	EventPosted          = "posted"
	EventPostEdited      = "post_edited"
	EventPostDeleted     = "post_deleted"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventChannelDeleted  = "channel_deleted"
	EventUserRemoved     = "user_removed"

	EventPreferencesChanged = "preferences_changed"
	EventPreferencesDeleted = "preferences_deleted"
)

// Event is one message of the server's event stream.
type Event struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Broadcast Broadcast                  `json:"broadcast"`
	Seq       int64                      `json:"seq"`
}

type Broadcast struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	TeamID    string `json:"team_id"`
}

// Post decodes the post carried by posted, post_edited and post_deleted
// events. The server sends it as a JSON encoded string.
func (e Event) Post() (*posts.Post, error) {
	var post posts.Post
	if err := e.Decode("post", &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (e Event) Reaction() (*posts.Reaction, error) {
	var reaction posts.Reaction
	if err := e.Decode("reaction", &reaction); err != nil {
		return nil, err
	}
	return &reaction, nil
}

// ChannelID returns the channel the event is about.
func (e Event) ChannelID() string {
	var id string
	if raw, ok := e.Data["channel_id"]; ok && json.Unmarshal(raw, &id) == nil && id != "" {
		return id
	}
	return e.Broadcast.ChannelID
}

// Decode unmarshals the data field key into out. String payloads are JSON
// documents and are decoded twice.
func (e Event) Decode(key string, out any) error {
	raw, ok := e.Data[key]
	if !ok {
		return fmt.Errorf("%s event: missing %q", e.Event, key)
	}
	if len(raw) > 0 && raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("%s event: %w", e.Event, err)
		}
		raw = json.RawMessage(encoded)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s event: decode %s: %w", e.Event, key, err)
	}
	return nil
}
