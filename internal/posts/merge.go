package posts

import "sort"

// FetchOptions describes how a channel fetch relates to the channel's history.
type FetchOptions struct {
	// Recent is set when the fetch reaches the channel's newest post.
	Recent bool
	// Oldest is set when the fetch reaches the channel's first post.
	Oldest bool
	// NoNewPosts marks an empty result that only means "nothing changed since
	// the last known state". It never creates a block for an unloaded channel.
	NoNewPosts bool
}

// ReceivedPosts merges a "latest posts" fetch for a channel.
func (s *Store) ReceivedPosts(channelID string, list PostList, opts FetchOptions) error {
	batch := list.posts()
	if err := validate(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(batch)

	blocks, loaded := s.postsInChannel[channelID]
	order := s.canonicalOrder(channelID, list.Order)
	if len(order) == 0 {
		if loaded || opts.NoNewPosts || len(list.Order) > 0 {
			return nil
		}
		// the server says the channel has no posts at all
		s.postsInChannel[channelID] = []Block{{Order: []string{}, Recent: opts.Recent, Oldest: opts.Oldest}}
		return nil
	}

	next := append([]Block(nil), blocks...)
	if opts.Recent {
		if idx := recentIndex(next); idx != -1 {
			if sameOrder(next[idx].Order, order) {
				return nil
			}
			next[idx].Recent = false
		}
	}
	next = append(next, Block{Order: order, Recent: opts.Recent, Oldest: opts.Oldest})
	s.setBlocks(channelID, blocks, s.mergeBlocks(next))
	return nil
}

// ReceivedPostsBefore merges a page fetched before beforePostID.
func (s *Store) ReceivedPostsBefore(channelID string, list PostList, beforePostID string, oldest bool) error {
	return s.receivedPage(channelID, list, func(order []string) Block {
		return Block{Order: append([]string{beforePostID}, order...), Oldest: oldest}
	})
}

// ReceivedPostsAfter merges a page fetched after afterPostID.
func (s *Store) ReceivedPostsAfter(channelID string, list PostList, afterPostID string, recent bool) error {
	return s.receivedPage(channelID, list, func(order []string) Block {
		return Block{Order: append(append([]string(nil), order...), afterPostID), Recent: recent}
	})
}

func (s *Store) receivedPage(channelID string, list PostList, build func([]string) Block) error {
	batch := list.posts()
	if err := validate(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(batch)
	if len(list.Order) == 0 {
		return nil
	}

	block := build(list.Order)
	block.Order = s.canonicalOrder(channelID, block.Order)
	if len(block.Order) == 0 {
		return nil
	}
	blocks := s.postsInChannel[channelID]
	next := append(append([]Block(nil), blocks...), block)
	s.setBlocks(channelID, blocks, s.mergeBlocks(next))
	return nil
}

// ReceivedPostsSince merges a delta fetch into the channel's recent block.
// Posts already in the recent block are re-sorted in place. New posts at or
// after the block's oldest post are added. Posts known only from older blocks
// keep their place.
func (s *Store) ReceivedPostsSince(channelID string, list PostList) error {
	batch := list.posts()
	if err := validate(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(batch)

	blocks := s.postsInChannel[channelID]
	idx := recentIndex(blocks)
	if idx == -1 || len(list.Order) == 0 {
		return nil
	}
	recent := blocks[idx]
	elsewhere := make(map[string]struct{})
	for i, block := range blocks {
		if i == idx {
			continue
		}
		for _, id := range block.Order {
			elsewhere[id] = struct{}{}
		}
	}

	var floor int64
	hasFloor := len(recent.Order) > 0
	if hasFloor {
		floor = s.posts[recent.Order[len(recent.Order)-1]].CreateAt
	}

	order := append([]string(nil), recent.Order...)
	for i := len(list.Order) - 1; i >= 0; i-- {
		id := list.Order[i]
		incoming, ok := list.Posts[id]
		if !ok || incoming == nil || incoming.ChannelID != channelID {
			continue
		}
		stored, ok := s.posts[id]
		if !ok {
			continue
		}
		if indexOf(order, id) != -1 {
			continue
		}
		if _, ok := elsewhere[id]; ok {
			continue
		}
		if hasFloor && stored.CreateAt < floor {
			continue
		}
		order = append(order, id)
	}

	order = s.canonicalOrder(channelID, order)
	if sameOrder(order, recent.Order) {
		return nil
	}
	next := append([]Block(nil), blocks...)
	next[idx].Order = order
	s.setBlocks(channelID, blocks, s.mergeBlocks(next))
	return nil
}

// ReceivedNewPost handles a post pushed by the realtime feed or returned by a
// send. It only joins a channel whose recent block is loaded.
func (s *Store) ReceivedNewPost(post *Post) error {
	if err := validate([]*Post{post}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivePost(post)
	s.addToThread(post)
	if stored, ok := s.posts[post.ID]; ok {
		s.insertIntoRecent(stored)
	}
	return nil
}

// ReceivedPost handles a single fetched or edited post. Block order is left
// alone; only a pending copy is swapped in place.
func (s *Store) ReceivedPost(post *Post) error {
	return s.Ingest([]*Post{post})
}

// ReceivedPostsInThread stores a thread fetch and indexes its replies in
// chronological order.
func (s *Store) ReceivedPostsInThread(rootID string, list PostList) error {
	batch := list.posts()
	if err := validate(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, post := range batch {
		s.receivePost(post)
	}
	replies := make([]*Post, 0, len(batch))
	for _, post := range batch {
		if post.RootID == rootID {
			replies = append(replies, post)
		}
	}
	sort.SliceStable(replies, func(i, j int) bool {
		if replies[i].CreateAt != replies[j].CreateAt {
			return replies[i].CreateAt < replies[j].CreateAt
		}
		return replies[i].ID < replies[j].ID
	})
	for _, reply := range replies {
		s.addToThread(reply)
	}
	return nil
}

func (s *Store) ingestLocked(batch []*Post) {
	for _, post := range batch {
		s.receivePost(post)
		s.addToThread(post)
	}
}

func (s *Store) insertIntoRecent(post *Post) {
	blocks, ok := s.postsInChannel[post.ChannelID]
	if !ok {
		return
	}
	idx := recentIndex(blocks)
	if idx == -1 || indexOf(blocks[idx].Order, post.ID) != -1 {
		return
	}
	current := blocks[idx].Order
	pos := sort.Search(len(current), func(i int) bool {
		return !s.newer(current[i], post.ID)
	})
	order := make([]string, 0, len(current)+1)
	order = append(order, current[:pos]...)
	order = append(order, post.ID)
	order = append(order, current[pos:]...)

	next := append([]Block(nil), blocks...)
	next[idx].Order = order
	s.postsInChannel[post.ChannelID] = next
}

func (s *Store) replaceInBlocks(channelID string, blocks []Block, oldID, newID string) []Block {
	var next []Block
	for i, block := range blocks {
		if indexOf(block.Order, oldID) == -1 {
			continue
		}
		if next == nil {
			next = append([]Block(nil), blocks...)
		}
		next[i].Order = s.canonicalOrder(channelID, replaceID(block.Order, oldID, newID))
	}
	if next == nil {
		return blocks
	}
	return next
}

// setBlocks stores next unless it is equal to prev, so unchanged channels keep
// their slices.
func (s *Store) setBlocks(channelID string, prev, next []Block) {
	if sameBlocks(prev, next) {
		return
	}
	s.postsInChannel[channelID] = next
}

// canonicalOrder dedupes order, drops ids that are unknown or belong to
// another channel, and sorts newest first. An already canonical order is
// returned as is.
func (s *Store) canonicalOrder(channelID string, order []string) []string {
	clean := true
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		post, ok := s.posts[id]
		if _, dup := seen[id]; dup || !ok || post.ChannelID != channelID {
			clean = false
			break
		}
		seen[id] = struct{}{}
	}
	if clean && sort.SliceIsSorted(order, func(i, j int) bool { return s.newer(order[i], order[j]) }) {
		return order
	}

	out := make([]string, 0, len(order))
	seen = make(map[string]struct{}, len(order))
	for _, id := range order {
		if _, dup := seen[id]; dup {
			continue
		}
		post, ok := s.posts[id]
		if !ok || post.ChannelID != channelID {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	s.sortNewestFirst(out)
	return out
}

// newer orders posts by create_at descending, then by id descending.
func (s *Store) newer(a, b string) bool {
	pa, pb := s.posts[a], s.posts[b]
	var ca, cb int64
	if pa != nil {
		ca = pa.CreateAt
	}
	if pb != nil {
		cb = pb.CreateAt
	}
	if ca != cb {
		return ca > cb
	}
	return a > b
}

func (s *Store) sortNewestFirst(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return s.newer(ids[i], ids[j]) })
}

// mergeBlocks sorts blocks newest first and joins every pair that touches or
// overlaps in time.
func (s *Store) mergeBlocks(blocks []Block) []Block {
	next := make([]Block, 0, len(blocks))
	var anyRecent, anyOldest bool
	for _, block := range blocks {
		anyRecent = anyRecent || block.Recent
		anyOldest = anyOldest || block.Oldest
		if len(block.Order) > 0 {
			next = append(next, block)
		}
	}
	if len(next) == 0 {
		if len(blocks) == 0 {
			return blocks
		}
		return []Block{{Order: []string{}, Recent: anyRecent, Oldest: anyOldest}}
	}

	sort.SliceStable(next, func(i, j int) bool {
		return s.newer(next[i].Order[0], next[j].Order[0])
	})

	i := 0
	for i < len(next)-1 {
		a, b := next[i], next[i+1]
		aEndsAt := s.posts[a.Order[len(a.Order)-1]].CreateAt
		bStartsAt := s.posts[b.Order[0]].CreateAt
		if aEndsAt > bStartsAt {
			i++
			continue
		}
		next[i] = Block{
			Order:  s.mergeOrder(a.Order, b.Order),
			Recent: a.Recent || b.Recent,
			Oldest: a.Oldest || b.Oldest,
		}
		next = append(next[:i+1], next[i+2:]...)
	}
	return next
}

func (s *Store) mergeOrder(left, right []string) []string {
	seen := make(map[string]struct{}, len(left))
	for _, id := range left {
		seen[id] = struct{}{}
	}
	out := append([]string(nil), left...)
	for _, id := range right {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == len(left) {
		return left
	}
	s.sortNewestFirst(out)
	return out
}

func recentIndex(blocks []Block) int {
	for i, block := range blocks {
		if block.Recent {
			return i
		}
	}
	return -1
}

func sameOrder(a, b []string) bool {
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

func sameBlocks(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Recent != b[i].Recent || a[i].Oldest != b[i].Oldest || !sameOrder(a[i].Order, b[i].Order) {
			return false
		}
	}
	return true
}

// Restore seeds a channel from a persisted snapshot. Orders are cleaned and
// merged as if fetched. A channel that is already loaded is left alone.
func (s *Store) Restore(channelID string, blocks []Block, batch []*Post) error {
	if err := validate(batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(batch)
	if _, loaded := s.postsInChannel[channelID]; loaded || len(blocks) == 0 {
		return nil
	}
	next := make([]Block, 0, len(blocks))
	for _, block := range blocks {
		next = append(next, Block{
			Order:  s.canonicalOrder(channelID, block.Order),
			Recent: block.Recent,
			Oldest: block.Oldest,
		})
	}
	s.postsInChannel[channelID] = s.mergeBlocks(next)
	return nil
}
