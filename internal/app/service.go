package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost-redux-sub001/internal/config"
	"github.com/mattermost/mattermost-redux-sub001/internal/export"
	"github.com/mattermost/mattermost-redux-sub001/internal/metrics"
	"github.com/mattermost/mattermost-redux-sub001/internal/postlist"
	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
	"github.com/mattermost/mattermost-redux-sub001/internal/preferences"
	"github.com/mattermost/mattermost-redux-sub001/internal/search"
	"github.com/mattermost/mattermost-redux-sub001/internal/store"
	"github.com/mattermost/mattermost-redux-sub001/internal/util"
)

const defaultPageSize = 60

type messagingServer interface {
	GetMe(context.Context) (*postlist.User, error)
	GetMyPreferences(context.Context) ([]preferences.Preference, error)
	GetPosts(ctx context.Context, channelID string, page, perPage int) (*posts.PostList, error)
	GetPostsBefore(ctx context.Context, channelID, postID string, page, perPage int) (*posts.PostList, error)
	GetPostsAfter(ctx context.Context, channelID, postID string, page, perPage int) (*posts.PostList, error)
	GetPostsSince(ctx context.Context, channelID string, since int64) (*posts.PostList, error)
	GetPostThread(ctx context.Context, postID string) (*posts.PostList, error)
	GetPost(ctx context.Context, postID string) (*posts.Post, error)
	CreatePost(ctx context.Context, post *posts.Post) (*posts.Post, error)
	DeletePost(ctx context.Context, postID string) error
}

type postCache interface {
	UpsertPosts(context.Context, []*posts.Post) error
	DeleteChannel(context.Context, string) error
	SaveBlocks(context.Context, string, []posts.Block) error
	LoadChannel(context.Context, string) (store.ChannelSnapshot, error)
	ChannelIDs(context.Context) ([]string, error)
	SetLastSynced(context.Context, string, int64) error
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Service. Server is required; everything
// else falls back to an in-process default when nil.
type Deps struct {
	Server      messagingServer
	Posts       *posts.Store
	Cache       postCache
	Preferences preferences.Backing
	Search      *search.Service
	Export      *export.Service
	Metrics     *metrics.Metrics
}

type Service struct {
	cfg     config.Config
	server  messagingServer
	posts   *posts.Store
	cache   postCache
	prefs   *preferences.Cache
	search  *search.Service
	export  *export.Service
	metrics *metrics.Metrics
	now     func() time.Time

	prefsBacking preferences.Backing

	mu         sync.Mutex
	user       *postlist.User
	pipelines  map[string]*postlist.Pipeline
	lastSynced map[string]int64
}

func New(cfg config.Config, deps Deps) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if deps.Posts == nil {
		deps.Posts = posts.NewStore()
	}
	if deps.Search == nil {
		deps.Search = search.NewService(nil, search.NewMemory(RecordSource(deps.Posts)))
	}
	if deps.Export == nil {
		deps.Export = export.NewService(deps.Posts, nil, uint64(cfg.ExportMaxBytes), cfg.Location)
	}
	return &Service{
		cfg:          cfg,
		server:       deps.Server,
		posts:        deps.Posts,
		cache:        deps.Cache,
		prefs:        preferences.NewCache("", deps.Preferences),
		prefsBacking: deps.Preferences,
		search:       deps.Search,
		export:       deps.Export,
		metrics:      deps.Metrics,
		now:          time.Now,
		pipelines:    make(map[string]*postlist.Pipeline),
		lastSynced:   make(map[string]int64),
	}
}

// Posts exposes the underlying store.
func (s *Service) Posts() *posts.Store {
	return s.posts
}

// Bootstrap identifies the viewer, restores the offline cache and loads the
// configured channels.
func (s *Service) Bootstrap(ctx context.Context) error {
	user, err := s.server.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("identify user: %w", err)
	}
	prefs := preferences.NewCache(user.ID, s.prefsBacking)
	s.mu.Lock()
	s.user = user
	s.prefs = prefs
	s.mu.Unlock()

	if err := prefs.Warm(ctx); err != nil {
		log.Printf("app: warm preferences: %v", err)
	}
	if err := s.RefreshPreferences(ctx); err != nil {
		log.Printf("app: %v", err)
	}

	if err := s.Hydrate(ctx); err != nil {
		log.Printf("app: hydrate from cache: %v", err)
	}

	for _, channelID := range s.cfg.Channels {
		if err := s.LoadSince(ctx, channelID, 0); err != nil {
			log.Printf("app: load channel %s: %v", channelID, err)
		}
	}
	return nil
}

// RefreshPreferences replaces the cached preferences with the server's full
// list, so deletions missed while offline are dropped too.
func (s *Service) RefreshPreferences(ctx context.Context) error {
	prefs, err := s.server.GetMyPreferences(ctx)
	if err != nil {
		return fmt.Errorf("fetch preferences: %w", err)
	}
	return s.preferences().Replace(ctx, prefs)
}

func (s *Service) preferences() *preferences.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// CurrentUser returns the viewer, or nil before Bootstrap.
func (s *Service) CurrentUser() *postlist.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// GetBool answers preference lookups for the post list pipelines.
func (s *Service) GetBool(category, name string, defaultValue bool) bool {
	return s.preferences().GetBool(category, name, defaultValue)
}

// Hydrate seeds the store from the Postgres cache. Channels already loaded
// are left alone.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	channelIDs, err := s.cache.ChannelIDs(ctx)
	if err != nil {
		return err
	}
	for _, channelID := range channelIDs {
		snapshot, err := s.cache.LoadChannel(ctx, channelID)
		if err != nil {
			return err
		}
		if err := s.posts.Restore(channelID, snapshot.Blocks, snapshot.Posts); err != nil {
			return fmt.Errorf("restore %s: %w", channelID, err)
		}
		if snapshot.LastSynced > 0 {
			s.setLastSynced(channelID, snapshot.LastSynced)
		}
	}
	log.Printf("app: hydrated %d channels from cache", len(channelIDs))
	return nil
}

// LoadLatest fetches the newest page of a channel.
func (s *Service) LoadLatest(ctx context.Context, channelID string) error {
	started := s.now().UnixMilli()
	list, err := s.server.GetPosts(ctx, channelID, 0, s.cfg.PageSize)
	if err == nil {
		err = s.posts.ReceivedPosts(channelID, *list, posts.FetchOptions{
			Recent: true,
			Oldest: len(list.Order) < s.cfg.PageSize,
		})
	}
	s.metrics.ObserveFetch("latest", err)
	if err != nil {
		return fmt.Errorf("load latest %s: %w", channelID, err)
	}
	s.afterFetch(ctx, channelID, list, started)
	return nil
}

// LoadBefore fetches the page older than postID.
func (s *Service) LoadBefore(ctx context.Context, channelID, postID string) error {
	list, err := s.server.GetPostsBefore(ctx, channelID, postID, 0, s.cfg.PageSize)
	if err == nil {
		err = s.posts.ReceivedPostsBefore(channelID, *list, postID, len(list.Order) < s.cfg.PageSize)
	}
	s.metrics.ObserveFetch("before", err)
	if err != nil {
		return fmt.Errorf("load before %s: %w", postID, err)
	}
	s.afterFetch(ctx, channelID, list, 0)
	return nil
}

// LoadAfter fetches the page newer than postID.
func (s *Service) LoadAfter(ctx context.Context, channelID, postID string) error {
	list, err := s.server.GetPostsAfter(ctx, channelID, postID, 0, s.cfg.PageSize)
	if err == nil {
		err = s.posts.ReceivedPostsAfter(channelID, *list, postID, len(list.Order) < s.cfg.PageSize)
	}
	s.metrics.ObserveFetch("after", err)
	if err != nil {
		return fmt.Errorf("load after %s: %w", postID, err)
	}
	s.afterFetch(ctx, channelID, list, 0)
	return nil
}

// LoadSince fetches what changed in a channel since the given time. since 0
// uses the last sync time. A channel never synced or without a recent block
// gets a full LoadLatest.
func (s *Service) LoadSince(ctx context.Context, channelID string, since int64) error {
	if since <= 0 {
		since = s.LastSynced(channelID)
	}
	if _, loaded := s.posts.RecentPostIDs(channelID); since <= 0 || !loaded {
		return s.LoadLatest(ctx, channelID)
	}
	started := s.now().UnixMilli()
	list, err := s.server.GetPostsSince(ctx, channelID, since)
	if err == nil {
		err = s.posts.ReceivedPostsSince(channelID, *list)
	}
	s.metrics.ObserveFetch("since", err)
	if err != nil {
		return fmt.Errorf("load since %s: %w", channelID, err)
	}
	s.afterFetch(ctx, channelID, list, started)
	return nil
}

// LoadThread fetches a root post and all of its replies.
func (s *Service) LoadThread(ctx context.Context, rootID string) error {
	list, err := s.server.GetPostThread(ctx, rootID)
	if err == nil {
		err = s.posts.ReceivedPostsInThread(rootID, *list)
	}
	s.metrics.ObserveFetch("thread", err)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", rootID, err)
	}
	s.afterFetch(ctx, "", list, 0)
	return nil
}

// GetPost returns a stored post, fetching it when unknown.
func (s *Service) GetPost(ctx context.Context, postID string) (*posts.Post, error) {
	if post, ok := s.posts.Post(postID); ok {
		return post, nil
	}
	post, err := s.server.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if err := s.posts.ReceivedPost(post); err != nil {
		return nil, err
	}
	stored, ok := s.posts.Post(postID)
	if !ok {
		return nil, fmt.Errorf("get post %s: %w", postID, posts.ErrPostNotFound)
	}
	s.persist(ctx, "", []*posts.Post{stored})
	return stored, nil
}

// afterFetch records the sync time and mirrors the fetched posts to the cache
// and the search index. started is 0 for fetches that do not advance the
// channel's sync time.
func (s *Service) afterFetch(ctx context.Context, channelID string, list *posts.PostList, started int64) {
	batch := make([]*posts.Post, 0, len(list.Posts))
	for id := range list.Posts {
		if stored, ok := s.posts.Post(id); ok {
			batch = append(batch, stored)
		}
	}
	s.persist(ctx, channelID, batch)
	if channelID == "" || started == 0 {
		return
	}
	s.setLastSynced(channelID, started)
	if s.cache != nil {
		if err := s.cache.SetLastSynced(ctx, channelID, started); err != nil {
			log.Printf("app: cache sync time for %s: %v", channelID, err)
		}
	}
}

// persist writes posts through to the cache and the search index. Cache
// failures are logged; the in-memory store stays authoritative.
func (s *Service) persist(ctx context.Context, channelID string, batch []*posts.Post) {
	var records []search.PostRecord
	var removed []string
	durable := make([]*posts.Post, 0, len(batch))
	for _, post := range batch {
		if post.PendingPostID == post.ID {
			continue
		}
		durable = append(durable, post)
		if post.IsDeleted() {
			removed = append(removed, post.ID)
			continue
		}
		if post.Message != "" && !posts.IsSystemType(post.Type) {
			records = append(records, recordOf(post))
		}
	}
	s.search.IndexPosts(records)
	s.search.DeletePosts(removed)

	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertPosts(ctx, durable); err != nil {
		log.Printf("app: cache posts: %v", err)
	}
	if channelID != "" {
		if err := s.cache.SaveBlocks(ctx, channelID, s.posts.PostsInChannel(channelID)); err != nil {
			log.Printf("app: cache blocks for %s: %v", channelID, err)
		}
	}
}

func (s *Service) LastSynced(channelID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSynced[channelID]
}

func (s *Service) setLastSynced(channelID string, millis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if millis > s.lastSynced[channelID] {
		s.lastSynced[channelID] = millis
	}
}

// SyncedChannels lists every channel that was loaded or restored.
func (s *Service) SyncedChannels() []string {
	seen := make(map[string]struct{})
	for _, id := range s.posts.ChannelIDs() {
		seen[id] = struct{}{}
	}
	s.mu.Lock()
	for id := range s.lastSynced {
		seen[id] = struct{}{}
	}
	s.mu.Unlock()
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnReconnect catches up on every synced channel after the event stream was
// interrupted.
func (s *Service) OnReconnect(ctx context.Context) {
	if err := s.RefreshPreferences(ctx); err != nil {
		log.Printf("app: reconnect: %v", err)
	}
	for _, channelID := range s.SyncedChannels() {
		if err := s.LoadSince(ctx, channelID, 0); err != nil {
			log.Printf("app: reconnect: %v", err)
		}
	}
}

// SendPost stores an optimistic copy of the message and sends it. On failure
// the pending post is kept, marked failed, and returned with the error.
func (s *Service) SendPost(ctx context.Context, channelID, rootID, message string) (*posts.Post, error) {
	user := s.CurrentUser()
	if user == nil {
		return nil, domainError(http.StatusServiceUnavailable, "NOT_READY", "Current user unknown", nil)
	}
	if strings.TrimSpace(message) == "" {
		return nil, domainError(http.StatusBadRequest, "EMPTY_MESSAGE", "Message is required", nil)
	}
	now := s.now()
	pendingID := util.NewPendingPostID(user.ID, now)
	pending := &posts.Post{
		ID:            pendingID,
		PendingPostID: pendingID,
		ChannelID:     channelID,
		RootID:        rootID,
		UserID:        user.ID,
		Message:       message,
		CreateAt:      now.UnixMilli(),
		UpdateAt:      now.UnixMilli(),
	}
	return s.send(ctx, pending)
}

// RetryPost resends a failed optimistic post.
func (s *Service) RetryPost(ctx context.Context, pendingID string) (*posts.Post, error) {
	if !util.IsPendingPostID(pendingID) {
		return nil, domainError(http.StatusConflict, "NOT_FAILED", "Post is not a failed send", nil)
	}
	post, ok := s.posts.Post(pendingID)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", pendingID, posts.ErrPostNotFound)
	}
	if !post.Failed {
		return nil, domainError(http.StatusConflict, "NOT_FAILED", "Post is not a failed send", nil)
	}
	retry := *post
	retry.Failed = false
	return s.send(ctx, &retry)
}

func (s *Service) send(ctx context.Context, pending *posts.Post) (*posts.Post, error) {
	if err := s.posts.AddPendingPost(pending); err != nil {
		return nil, err
	}
	created, err := s.server.CreatePost(ctx, pending)
	if err == nil && created.PendingPostID == "" {
		created.PendingPostID = pending.ID
	}
	if err == nil {
		err = s.posts.ReceivedNewPost(created)
	}
	s.metrics.ObserveSend(err)
	if err != nil {
		if failErr := s.posts.PendingPostFailed(pending.ID); failErr != nil {
			log.Printf("app: mark %s failed: %v", pending.ID, failErr)
		}
		failed, _ := s.posts.Post(pending.ID)
		return failed, fmt.Errorf("send post: %w", err)
	}
	stored, ok := s.posts.Post(created.ID)
	if !ok {
		stored = created
	}
	s.persist(ctx, stored.ChannelID, []*posts.Post{stored})
	return stored, nil
}

// DeletePost deletes a post on the server and tombstones it once the server
// agrees. A failed optimistic post is discarded locally.
func (s *Service) DeletePost(ctx context.Context, postID string) error {
	if post, ok := s.posts.Post(postID); ok && post.PendingPostID == post.ID {
		if !post.Failed {
			return domainError(http.StatusConflict, "SEND_IN_FLIGHT", "Post is still being sent", nil)
		}
		return s.posts.Remove(postID)
	}
	if err := s.server.DeletePost(ctx, postID); err != nil {
		return err
	}
	return s.markDeleted(ctx, postID)
}

func (s *Service) markDeleted(ctx context.Context, postID string) error {
	if err := s.posts.MarkDeleted(postID); err != nil {
		if errors.Is(err, posts.ErrPostNotFound) {
			return nil
		}
		return err
	}
	if stored, ok := s.posts.Post(postID); ok {
		s.persist(ctx, "", []*posts.Post{stored})
	}
	return nil
}

// purgeChannel drops a channel the viewer can no longer see.
func (s *Service) purgeChannel(ctx context.Context, channelID string) {
	s.posts.PurgeChannel(channelID)
	s.mu.Lock()
	delete(s.pipelines, channelID)
	delete(s.lastSynced, channelID)
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.DeleteChannel(ctx, channelID); err != nil {
			log.Printf("app: purge cache for %s: %v", channelID, err)
		}
	}
}

func (s *Service) pipeline(key string) *postlist.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[key]
	if !ok {
		p = postlist.NewPipeline(s.posts, s, s, s.cfg.Location)
		s.pipelines[key] = p
	}
	return p
}

// PostList returns the display list of a channel's recent block.
func (s *Service) PostList(channelID string, lastViewedAt int64, indicateNewMessages bool) []postlist.Item {
	ids, _ := s.posts.RecentPostIDs(channelID)
	return s.pipeline(channelID).List(ids, lastViewedAt, indicateNewMessages)
}

// ThreadList returns the display list of a thread, newest first.
func (s *Service) ThreadList(rootID string) []postlist.Item {
	return s.pipeline("thread:" + rootID).List(s.posts.ThreadPostIDs(rootID), 0, false)
}

func (s *Service) Blocks(channelID string) []posts.Block {
	return s.posts.PostsInChannel(channelID)
}

func (s *Service) SelectPost(postID string) {
	s.posts.SelectPost(postID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) ExportChannel(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.export.Export(ctx, req)
}

// Ping checks the offline cache. Without one the service is always ready.
func (s *Service) Ping(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

func recordOf(post *posts.Post) search.PostRecord {
	return search.PostRecord{
		ID:        post.ID,
		ChannelID: post.ChannelID,
		RootID:    post.RootID,
		UserID:    post.UserID,
		Message:   post.Message,
		CreateAt:  post.CreateAt,
	}
}

type storeRecords struct {
	store *posts.Store
}

// RecordSource lets the in-memory searcher read the post store.
func RecordSource(source *posts.Store) search.RecordSource {
	return storeRecords{store: source}
}

func (r storeRecords) SearchRecords() []search.PostRecord {
	var records []search.PostRecord
	for _, channelID := range r.store.ChannelIDs() {
		for _, post := range r.store.ChannelPosts(channelID) {
			if post.IsDeleted() || post.Message == "" || posts.IsSystemType(post.Type) {
				continue
			}
			records = append(records, recordOf(post))
		}
	}
	return records
}
