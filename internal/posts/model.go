// Package posts holds the normalized client-side post store: the flat post map,
// the per-channel block lists, the thread index and the pending-send sets.
package posts

import (
	"encoding/json"
	"errors"
)

const (
	PostTypeJoinChannel           = "system_join_channel"
	PostTypeLeaveChannel          = "system_leave_channel"
	PostTypeAddToChannel          = "system_add_to_channel"
	PostTypeRemoveFromChannel     = "system_remove_from_channel"
	PostTypeJoinTeam              = "system_join_team"
	PostTypeLeaveTeam             = "system_leave_team"
	PostTypeAddToTeam             = "system_add_to_team"
	PostTypeRemoveFromTeam        = "system_remove_from_team"
	PostTypePurposeChange         = "system_purpose_change"
	PostTypeHeaderChange          = "system_header_change"
	PostTypeDisplayNameChange     = "system_displayname_change"
	PostTypeChannelConverted      = "system_change_chan_privacy"
	PostTypeEphemeralAddToChannel = "system_ephemeral_add_to_channel"
)

// PostStateDeleted marks a tombstoned post.
const PostStateDeleted = "DELETED"

// EmbedOpenGraph is the embed type whose payload is mirrored into the OpenGraph table.
const EmbedOpenGraph = "opengraph"

var (
	ErrMissingPostID     = errors.New("post has no id")
	ErrPostNotFound      = errors.New("post not found")
	// ErrPendingPostExists rejects a pending id already in use by a post
	// that has not failed.
	ErrPendingPostExists = errors.New("pending post already exists")
)

var userActivityTypes = map[string]struct{}{
	PostTypeJoinChannel:       {},
	PostTypeLeaveChannel:      {},
	PostTypeAddToChannel:      {},
	PostTypeRemoveFromChannel: {},
	PostTypeJoinTeam:          {},
	PostTypeLeaveTeam:         {},
	PostTypeAddToTeam:         {},
	PostTypeRemoveFromTeam:    {},
}

// IsUserActivityType reports whether posts of type t describe channel or team
// membership changes. These are the posts the join/leave preference hides and
// the ones that collapse into a combined activity line.
func IsUserActivityType(t string) bool {
	_, ok := userActivityTypes[t]
	return ok
}

// IsSystemType reports whether t is any server-generated system message type.
func IsSystemType(t string) bool {
	return len(t) > len("system_") && t[:len("system_")] == "system_"
}

type Post struct {
	ID            string         `json:"id"`
	PendingPostID string         `json:"pending_post_id,omitempty"`
	ChannelID     string         `json:"channel_id"`
	RootID        string         `json:"root_id"`
	UserID        string         `json:"user_id"`
	CreateAt      int64          `json:"create_at"`
	UpdateAt      int64          `json:"update_at"`
	EditAt        int64          `json:"edit_at"`
	DeleteAt      int64          `json:"delete_at"`
	IsPinned      bool           `json:"is_pinned"`
	Type          string         `json:"type"`
	Message       string         `json:"message"`
	Props         map[string]any `json:"props,omitempty"`
	FileIDs       []string       `json:"file_ids,omitempty"`
	HasReactions  bool           `json:"has_reactions,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
	State         string         `json:"state,omitempty"`
	Failed        bool           `json:"failed,omitempty"`
	// Ext carries data owned by other substores, keyed by substore name. The
	// store merges it key-wise and never interprets the values.
	Ext map[string]json.RawMessage `json:"ext,omitempty"`
}

type Metadata struct {
	Embeds    []Embed              `json:"embeds,omitempty"`
	Emojis    []Emoji              `json:"emojis,omitempty"`
	Files     []FileInfo           `json:"files,omitempty"`
	Images    map[string]ImageInfo `json:"images,omitempty"`
	Reactions []Reaction           `json:"reactions,omitempty"`
}

type Embed struct {
	Type string          `json:"type"`
	URL  string          `json:"url,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Emoji struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
}

type FileInfo struct {
	ID        string `json:"id"`
	PostID    string `json:"post_id"`
	Name      string `json:"name"`
	Extension string `json:"extension,omitempty"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type,omitempty"`
}

type Reaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at"`
}

func (r Reaction) key() string {
	return r.UserID + "-" + r.EmojiName
}

// PostList is the shape the server returns for channel and thread fetches.
// Order is newest first.
type PostList struct {
	Order      []string         `json:"order"`
	Posts      map[string]*Post `json:"posts"`
	NextPostID string           `json:"next_post_id,omitempty"`
	PrevPostID string           `json:"prev_post_id,omitempty"`
}

// Block is a gap-free run of a channel's post ids, newest first.
type Block struct {
	Order  []string `json:"order"`
	Recent bool     `json:"recent"`
	Oldest bool     `json:"oldest,omitempty"`
}

func (p *Post) IsDeleted() bool {
	return p.DeleteAt > 0 || p.State == PostStateDeleted
}

// PropString returns a string prop, or "" when it is missing or not a string.
func (p *Post) PropString(key string) string {
	if p == nil || p.Props == nil {
		return ""
	}
	value, _ := p.Props[key].(string)
	return value
}

func (p *Post) clone() *Post {
	next := *p
	if p.Props != nil {
		next.Props = make(map[string]any, len(p.Props))
		for k, v := range p.Props {
			next.Props[k] = v
		}
	}
	if p.FileIDs != nil {
		next.FileIDs = append([]string(nil), p.FileIDs...)
	}
	if p.Ext != nil {
		next.Ext = make(map[string]json.RawMessage, len(p.Ext))
		for k, v := range p.Ext {
			next.Ext[k] = v
		}
	}
	if p.Metadata != nil {
		md := *p.Metadata
		next.Metadata = &md
	}
	return &next
}

func (l PostList) posts() []*Post {
	out := make([]*Post, 0, len(l.Posts))
	seen := make(map[string]struct{}, len(l.Posts))
	for _, id := range l.Order {
		if p, ok := l.Posts[id]; ok && p != nil {
			out = append(out, p)
			seen[id] = struct{}{}
		}
	}
	// posts the server sent outside of order (thread roots, parents) are still stored
	for id, p := range l.Posts {
		if _, ok := seen[id]; ok || p == nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
