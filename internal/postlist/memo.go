package postlist

import (
	"sync"
	"time"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

const (
	PreferenceCategoryAdvancedSettings = "advanced_settings"
	PreferenceNameJoinLeave            = "join_leave"
)

// PostSource is the part of the post store the pipeline reads.
type PostSource interface {
	Posts(postIDs []string) []*posts.Post
	SelectedPostID() string
}

type Preferences interface {
	GetBool(category, name string, defaultValue bool) bool
}

type CurrentUserSource interface {
	CurrentUser() *User
}

type prepareKey struct {
	posts          []*posts.Post
	lastViewedAt   int64
	indicate       bool
	selectedPostID string
	user           User
	hasUser        bool
	showJoinLeave  bool
}

func (k prepareKey) equal(o prepareKey) bool {
	if k.lastViewedAt != o.lastViewedAt ||
		k.indicate != o.indicate ||
		k.selectedPostID != o.selectedPostID ||
		k.user != o.user ||
		k.hasUser != o.hasUser ||
		k.showJoinLeave != o.showJoinLeave {
		return false
	}
	return samePosts(k.posts, o.posts)
}

// Preparer is a memoized PreparePostList over a post source. It hands back the
// previous slice as long as the resolved posts and the viewer context are
// unchanged. Use one Preparer per list being displayed.
type Preparer struct {
	source   PostSource
	prefs    Preferences
	users    CurrentUserSource
	location *time.Location

	mu             sync.Mutex
	key            prepareKey
	result         []Item
	recomputations int
}

func NewPreparer(source PostSource, prefs Preferences, users CurrentUserSource, location *time.Location) *Preparer {
	return &Preparer{source: source, prefs: prefs, users: users, location: location}
}

// Prepare returns the display list for postIDs, newest first.
func (p *Preparer) Prepare(postIDs []string, lastViewedAt int64, indicateNewMessages bool) []Item {
	key := prepareKey{
		posts:          p.source.Posts(postIDs),
		lastViewedAt:   lastViewedAt,
		indicate:       indicateNewMessages,
		selectedPostID: p.source.SelectedPostID(),
		showJoinLeave:  p.prefs.GetBool(PreferenceCategoryAdvancedSettings, PreferenceNameJoinLeave, true),
	}
	if user := p.users.CurrentUser(); user != nil {
		key.user = *user
		key.hasUser = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result != nil && key.equal(p.key) {
		return p.result
	}

	ctx := Context{
		LastViewedAt:        key.lastViewedAt,
		IndicateNewMessages: key.indicate,
		SelectedPostID:      key.selectedPostID,
		ShowJoinLeave:       key.showJoinLeave,
		Location:            p.location,
	}
	if key.hasUser {
		user := key.user
		ctx.CurrentUser = &user
	}
	p.recomputations++
	p.key = key
	p.result = PreparePostList(key.posts, ctx)
	return p.result
}

// Combiner is a memoized CombineUserActivityPosts. It recomputes only when the
// item sequence or one of the posts it references changes.
type Combiner struct {
	source interface {
		Posts(postIDs []string) []*posts.Post
	}

	mu             sync.Mutex
	items          []Item
	posts          []*posts.Post
	result         []Item
	recomputations int
}

func NewCombiner(source PostSource) *Combiner {
	return &Combiner{source: source}
}

func (c *Combiner) Combine(items []Item) []Item {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if postItem, ok := item.(PostItem); ok {
			ids = append(ids, postItem.PostID)
		}
	}
	resolved := c.source.Posts(ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil && sameItems(items, c.items) && samePosts(resolved, c.posts) {
		return c.result
	}

	byID := make(map[string]*posts.Post, len(ids))
	for i, id := range ids {
		byID[id] = resolved[i]
	}
	c.recomputations++
	c.items = append([]Item(nil), items...)
	c.posts = resolved
	c.result = CombineUserActivityPosts(items, func(postID string) *posts.Post {
		return byID[postID]
	})
	return c.result
}

// Pipeline prepares and combines one displayed list.
type Pipeline struct {
	preparer *Preparer
	combiner *Combiner
}

func NewPipeline(source PostSource, prefs Preferences, users CurrentUserSource, location *time.Location) *Pipeline {
	return &Pipeline{
		preparer: NewPreparer(source, prefs, users, location),
		combiner: NewCombiner(source),
	}
}

func (p *Pipeline) List(postIDs []string, lastViewedAt int64, indicateNewMessages bool) []Item {
	return p.combiner.Combine(p.preparer.Prepare(postIDs, lastViewedAt, indicateNewMessages))
}

func samePosts(a, b []*posts.Post) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
