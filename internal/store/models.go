package store

import "github.com/mattermost/mattermost-redux-sub001/internal/posts"

// ChannelSnapshot is what the cache holds for one channel.
type ChannelSnapshot struct {
	ChannelID  string
	Blocks     []posts.Block
	Posts      []*posts.Post
	LastSynced int64
}
