package posts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the normalized post store. All mutations are serialized; stored
// posts and block orders are never modified in place, so values handed to
// readers stay valid and unchanged posts keep their identity across updates.
type Store struct {
	mu  sync.RWMutex
	now func() int64

	posts          map[string]*Post
	postsInChannel map[string][]Block
	postsInThread  map[string][]string
	pendingPostIDs []string
	sendingPostIDs []string
	selectedPostID string

	reactions map[string]map[string]Reaction
	files     map[string][]FileInfo
	openGraph map[string]json.RawMessage
}

func NewStore() *Store {
	return &Store{
		now:            func() int64 { return time.Now().UnixMilli() },
		posts:          make(map[string]*Post),
		postsInChannel: make(map[string][]Block),
		postsInThread:  make(map[string][]string),
		reactions:      make(map[string]map[string]Reaction),
		files:          make(map[string][]FileInfo),
		openGraph:      make(map[string]json.RawMessage),
	}
}

func validate(batch []*Post) error {
	for i, post := range batch {
		if post == nil || strings.TrimSpace(post.ID) == "" {
			return fmt.Errorf("ingest post %d: %w", i, ErrMissingPostID)
		}
	}
	return nil
}

// Ingest upserts a batch of posts into the flat map. A batch containing a post
// without an id is rejected as a whole.
func (s *Store) Ingest(batch []*Post) error {
	if err := validate(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(batch)
	return nil
}

// receivePost stores one post. It reports whether the stored value changed.
func (s *Store) receivePost(incoming *Post) bool {
	existing, known := s.posts[incoming.ID]
	if known && existing.UpdateAt >= incoming.UpdateAt {
		s.reconcilePending(existing, incoming.PendingPostID)
		return false
	}

	if incoming.DeleteAt > 0 && !known {
		s.reconcilePending(incoming, incoming.PendingPostID)
		return false
	}

	s.project(incoming)
	next := stripMetadata(incoming)
	if known {
		next.Ext = mergeExt(existing.Ext, next.Ext)
	}
	if next.DeleteAt > 0 {
		tombstone(next)
		delete(s.reactions, next.ID)
	}
	s.posts[next.ID] = next
	s.reconcilePending(next, next.PendingPostID)
	return true
}

// project copies the metadata substructures into their own lookup tables.
func (s *Store) project(post *Post) {
	md := post.Metadata
	if md == nil {
		return
	}
	if md.Reactions != nil && post.DeleteAt == 0 {
		byKey := make(map[string]Reaction, len(md.Reactions))
		for _, reaction := range md.Reactions {
			byKey[reaction.key()] = reaction
		}
		s.reactions[post.ID] = byKey
	}
	if len(md.Files) > 0 {
		s.files[post.ID] = append([]FileInfo(nil), md.Files...)
	}
	for _, embed := range md.Embeds {
		if embed.Type == EmbedOpenGraph && embed.URL != "" && len(embed.Data) > 0 {
			s.openGraph[embed.URL] = embed.Data
		}
	}
}

func stripMetadata(post *Post) *Post {
	next := post.clone()
	if next.Metadata == nil {
		return next
	}
	md := next.Metadata
	md.Emojis = nil
	md.Files = nil
	md.Reactions = nil
	if len(md.Embeds) > 0 {
		embeds := make([]Embed, len(md.Embeds))
		for i, embed := range md.Embeds {
			if embed.Type == EmbedOpenGraph {
				embed.Data = nil
			}
			embeds[i] = embed
		}
		md.Embeds = embeds
	}
	return next
}

func mergeExt(prev, next map[string]json.RawMessage) map[string]json.RawMessage {
	if len(prev) == 0 {
		return next
	}
	merged := make(map[string]json.RawMessage, len(prev)+len(next))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}

func tombstone(post *Post) {
	post.State = PostStateDeleted
	post.Message = ""
	post.Props = nil
	post.FileIDs = nil
	post.HasReactions = false
}

// reconcilePending swaps a locally sent post for its server copy. It runs at
// most once per pending id because the pending entry is gone afterwards.
func (s *Store) reconcilePending(post *Post, pendingID string) {
	if pendingID == "" || pendingID == post.ID {
		return
	}
	pending, hadPost := s.posts[pendingID]
	delete(s.posts, pendingID)
	s.pendingPostIDs = without(s.pendingPostIDs, pendingID)
	s.sendingPostIDs = without(s.sendingPostIDs, pendingID)

	channelID := post.ChannelID
	if hadPost && pending.ChannelID != "" {
		channelID = pending.ChannelID
	}
	if blocks, ok := s.postsInChannel[channelID]; ok {
		s.postsInChannel[channelID] = s.replaceInBlocks(channelID, blocks, pendingID, post.ID)
	}

	rootID := post.RootID
	if hadPost && pending.RootID != "" {
		rootID = pending.RootID
	}
	if rootID != "" {
		if ids, ok := s.postsInThread[rootID]; ok {
			s.postsInThread[rootID] = replaceID(ids, pendingID, post.ID)
		}
	}
}

func (s *Store) addToThread(post *Post) {
	if post.RootID == "" || post.RootID == post.ID {
		return
	}
	if _, stored := s.posts[post.ID]; !stored {
		return
	}
	ids := s.postsInThread[post.RootID]
	if indexOf(ids, post.ID) != -1 {
		return
	}
	next := make([]string, len(ids), len(ids)+1)
	copy(next, ids)
	s.postsInThread[post.RootID] = append(next, post.ID)
}

// MarkDeleted tombstones a post in place. The post keeps its slot in blocks
// and in the thread index.
func (s *Store) MarkDeleted(postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[postID]
	if !ok {
		return fmt.Errorf("mark deleted %s: %w", postID, ErrPostNotFound)
	}
	next := post.clone()
	if next.DeleteAt == 0 {
		next.DeleteAt = s.now()
	}
	tombstone(next)
	s.posts[postID] = next
	delete(s.reactions, postID)
	return nil
}

// Remove evicts a post from the store entirely, together with every post
// whose root is the removed post.
func (s *Store) Remove(postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[postID]
	if !ok {
		return fmt.Errorf("remove %s: %w", postID, ErrPostNotFound)
	}
	s.evict(s.collectThread(post.ID))
	return nil
}

// PurgeChannel drops everything the store knows about a channel.
func (s *Store) PurgeChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]*Post)
	for id, post := range s.posts {
		if post.ChannelID == channelID {
			removed[id] = post
		}
	}
	s.evict(removed)
	delete(s.postsInChannel, channelID)
}

// collectThread returns the post and, transitively, every post rooted at it.
func (s *Store) collectThread(rootID string) map[string]*Post {
	out := map[string]*Post{rootID: s.posts[rootID]}
	queue := []string{rootID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for id, post := range s.posts {
			if post.RootID != current {
				continue
			}
			if _, seen := out[id]; seen {
				continue
			}
			out[id] = post
			queue = append(queue, id)
		}
	}
	return out
}

func (s *Store) evict(removed map[string]*Post) {
	if len(removed) == 0 {
		return
	}
	channels := make(map[string]struct{})
	for id, post := range removed {
		delete(s.posts, id)
		delete(s.reactions, id)
		delete(s.files, id)
		delete(s.postsInThread, id)
		s.pendingPostIDs = without(s.pendingPostIDs, id)
		s.sendingPostIDs = without(s.sendingPostIDs, id)
		if s.selectedPostID == id {
			s.selectedPostID = ""
		}
		channels[post.ChannelID] = struct{}{}
	}
	for rootID, ids := range s.postsInThread {
		next := ids
		for _, id := range ids {
			if _, gone := removed[id]; gone {
				next = without(next, id)
			}
		}
		s.postsInThread[rootID] = next
	}
	for channelID := range channels {
		blocks, ok := s.postsInChannel[channelID]
		if !ok {
			continue
		}
		next := make([]Block, 0, len(blocks))
		for _, block := range blocks {
			order := block.Order
			for _, id := range block.Order {
				if _, gone := removed[id]; gone {
					order = without(order, id)
				}
			}
			if len(order) == 0 && !block.Recent {
				continue
			}
			block.Order = order
			next = append(next, block)
		}
		s.postsInChannel[channelID] = next
	}
}

// AddPendingPost stores an optimistic send. The post id is the client
// generated pending id. Re-adding is allowed only for a failed send.
func (s *Store) AddPendingPost(post *Post) error {
	if err := validate([]*Post{post}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[post.ID]; ok && !existing.Failed {
		return fmt.Errorf("add pending %s: %w", post.ID, ErrPendingPostExists)
	}
	next := stripMetadata(post)
	if next.PendingPostID == "" {
		next.PendingPostID = next.ID
	}
	next.Failed = false
	s.posts[next.ID] = next
	if indexOf(s.pendingPostIDs, next.ID) == -1 {
		s.pendingPostIDs = append(append([]string(nil), s.pendingPostIDs...), next.ID)
	}
	if indexOf(s.sendingPostIDs, next.ID) == -1 {
		s.sendingPostIDs = append(append([]string(nil), s.sendingPostIDs...), next.ID)
	}
	s.addToThread(next)
	s.insertIntoRecent(next)
	return nil
}

// PendingPostFailed keeps the pending post so it can be retried but stops
// reporting it as in flight.
func (s *Store) PendingPostFailed(pendingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[pendingID]
	if !ok {
		return fmt.Errorf("pending post %s: %w", pendingID, ErrPostNotFound)
	}
	next := post.clone()
	next.Failed = true
	s.posts[pendingID] = next
	s.sendingPostIDs = without(s.sendingPostIDs, pendingID)
	return nil
}

func (s *Store) ReceivedReaction(reaction Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.reactions[reaction.PostID]
	next := make(map[string]Reaction, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[reaction.key()] = reaction
	s.reactions[reaction.PostID] = next
	s.setHasReactions(reaction.PostID, true)
}

func (s *Store) ReactionDeleted(reaction Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reactions[reaction.PostID]
	if !ok {
		return
	}
	if _, exists := current[reaction.key()]; !exists {
		return
	}
	next := make(map[string]Reaction, len(current))
	for k, v := range current {
		if k != reaction.key() {
			next[k] = v
		}
	}
	s.reactions[reaction.PostID] = next
	s.setHasReactions(reaction.PostID, len(next) > 0)
}

func (s *Store) setHasReactions(postID string, has bool) {
	post, ok := s.posts[postID]
	if !ok || post.HasReactions == has {
		return
	}
	next := post.clone()
	next.HasReactions = has
	s.posts[postID] = next
}

func (s *Store) PostPinned(postID string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[postID]
	if !ok {
		return fmt.Errorf("pin %s: %w", postID, ErrPostNotFound)
	}
	if post.IsPinned == pinned {
		return nil
	}
	next := post.clone()
	next.IsPinned = pinned
	s.posts[postID] = next
	return nil
}

func (s *Store) SelectPost(postID string) {
	s.mu.Lock()
	s.selectedPostID = postID
	s.mu.Unlock()
}

func (s *Store) SelectedPostID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedPostID
}

func (s *Store) Post(postID string) (*Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[postID]
	return post, ok
}

// Posts resolves ids in order. Unknown ids resolve to nil.
func (s *Store) Posts(postIDs []string) []*Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Post, len(postIDs))
	for i, id := range postIDs {
		out[i] = s.posts[id]
	}
	return out
}

// PostsInChannel returns the channel's blocks, or nil when the channel was
// never loaded. A single empty block means the channel has no posts.
func (s *Store) PostsInChannel(channelID string) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks, ok := s.postsInChannel[channelID]
	if !ok {
		return nil
	}
	return append([]Block{}, blocks...)
}

// RecentPostIDs returns the order of the channel's recent block.
func (s *Store) RecentPostIDs(channelID string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks := s.postsInChannel[channelID]
	idx := recentIndex(blocks)
	if idx == -1 {
		return nil, false
	}
	return blocks[idx].Order, true
}

func (s *Store) PostsInThread(rootID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.postsInThread[rootID]...)
}

// ThreadPostIDs returns the root and its known replies, newest first.
func (s *Store) ThreadPostIDs(rootID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.postsInThread[rootID])+1)
	if _, ok := s.posts[rootID]; ok {
		ids = append(ids, rootID)
	}
	for _, id := range s.postsInThread[rootID] {
		if _, ok := s.posts[id]; ok {
			ids = append(ids, id)
		}
	}
	s.sortNewestFirst(ids)
	return ids
}

func (s *Store) PendingPostIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pendingPostIDs...)
}

func (s *Store) SendingPostIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sendingPostIDs...)
}

func (s *Store) Reactions(postID string) []Reaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.reactions[postID]
	out := make([]Reaction, 0, len(byKey))
	for _, reaction := range byKey {
		out = append(out, reaction)
	}
	return out
}

func (s *Store) Files(postID string) []FileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FileInfo(nil), s.files[postID]...)
}

func (s *Store) OpenGraph(url string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.openGraph[url]
	return data, ok
}

// FilterPostIDs keeps the ids whose post satisfies keep. keep runs outside
// the store lock; a panic in it reaches the caller unchanged.
func (s *Store) FilterPostIDs(postIDs []string, keep func(*Post) bool) []string {
	resolved := s.Posts(postIDs)
	out := make([]string, 0, len(postIDs))
	for i, post := range resolved {
		if post != nil && keep(post) {
			out = append(out, postIDs[i])
		}
	}
	return out
}

// ChannelPosts returns every stored post of a channel, newest first.
func (s *Store) ChannelPosts(channelID string) []*Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, post := range s.posts {
		if post.ChannelID == channelID {
			ids = append(ids, id)
		}
	}
	s.sortNewestFirst(ids)
	out := make([]*Post, len(ids))
	for i, id := range ids {
		out[i] = s.posts[id]
	}
	return out
}

// ChannelIDs lists the channels with blocks, sorted.
func (s *Store) ChannelIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.postsInChannel))
	for id := range s.postsInChannel {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) PostCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

func (s *Store) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.postsInChannel)
}

func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingPostIDs)
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

// without returns ids minus id. ids itself is never modified.
func without(ids []string, id string) []string {
	idx := indexOf(ids, id)
	if idx == -1 {
		return ids
	}
	next := make([]string, 0, len(ids)-1)
	next = append(next, ids[:idx]...)
	return append(next, ids[idx+1:]...)
}

func replaceID(ids []string, oldID, newID string) []string {
	idx := indexOf(ids, oldID)
	if idx == -1 {
		return ids
	}
	if indexOf(ids, newID) != -1 {
		return without(ids, oldID)
	}
	next := append([]string(nil), ids...)
	next[idx] = newID
	return next
}
