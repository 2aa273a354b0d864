// Package search finds posts by message text. Meilisearch serves queries when
// it is reachable; otherwise the Postgres cache or the in-memory store does.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	PostID    string `json:"postId"`
	ChannelID string `json:"channelId"`
	RootID    string `json:"rootId,omitempty"`
	UserID    string `json:"userId"`
	CreateAt  int64  `json:"createAt"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ChannelID string // empty = all channels
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// PostRecord is the data we index for a post.
type PostRecord struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	RootID    string `json:"rootId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	CreateAt  int64  `json:"createAt"`
}

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
