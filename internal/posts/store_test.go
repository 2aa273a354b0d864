package posts

import (
	"encoding/json"
	"errors"
	"runtime"
	"testing"
)

func newPost(id, channelID string, createAt int64) *Post {
	return &Post{ID: id, ChannelID: channelID, CreateAt: createAt, UpdateAt: createAt}
}

// listOf builds a PostList whose order follows the arguments.
func listOf(posts ...*Post) PostList {
	list := PostList{Posts: make(map[string]*Post, len(posts))}
	for _, p := range posts {
		list.Order = append(list.Order, p.ID)
		list.Posts[p.ID] = p
	}
	return list
}

func assertOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestIngestRejectsBatchWithMissingID(t *testing.T) {
	s := NewStore()
	err := s.Ingest([]*Post{newPost("p1", "c1", 100), {ChannelID: "c1"}})
	if !errors.Is(err, ErrMissingPostID) {
		t.Fatalf("expected ErrMissingPostID, got %v", err)
	}
	if _, ok := s.Post("p1"); ok {
		t.Fatal("expected rejected batch to leave the store untouched")
	}
}

func TestIngestKeepsNewerVersion(t *testing.T) {
	s := NewStore()
	current := newPost("p1", "c1", 100)
	current.UpdateAt = 200
	current.Message = "edited"
	if err := s.Ingest([]*Post{current}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	before, _ := s.Post("p1")

	stale := newPost("p1", "c1", 100)
	stale.Message = "original"
	if err := s.ReceivedPost(stale); err != nil {
		t.Fatalf("ReceivedPost failed: %v", err)
	}
	after, _ := s.Post("p1")
	if after.Message != "edited" {
		t.Fatalf("expected stale copy to be ignored, got message %q", after.Message)
	}
	if before != after {
		t.Fatal("expected unchanged post to keep its identity")
	}
}

func TestIngestDoesNotStoreUnknownDeletedPost(t *testing.T) {
	s := NewStore()
	deleted := newPost("gone", "c1", 100)
	deleted.DeleteAt = 150
	if err := s.ReceivedPost(deleted); err != nil {
		t.Fatalf("ReceivedPost failed: %v", err)
	}
	if _, ok := s.Post("gone"); ok {
		t.Fatal("expected unknown deleted post to be skipped")
	}
}

func TestIngestTombstonesKnownDeletedPost(t *testing.T) {
	s := NewStore()
	original := newPost("p1", "c1", 100)
	original.Message = "hello"
	original.Props = map[string]any{"k": "v"}
	if err := s.Ingest([]*Post{original}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	deleted := newPost("p1", "c1", 100)
	deleted.UpdateAt = 300
	deleted.DeleteAt = 300
	deleted.Message = "hello"
	if err := s.ReceivedPost(deleted); err != nil {
		t.Fatalf("ReceivedPost failed: %v", err)
	}
	got, ok := s.Post("p1")
	if !ok {
		t.Fatal("expected deleted post to stay as a tombstone")
	}
	if got.State != PostStateDeleted || got.Message != "" || got.Props != nil {
		t.Fatalf("expected tombstone, got %+v", got)
	}
}

func TestMetadataProjectedIntoSubstores(t *testing.T) {
	s := NewStore()
	p := newPost("p1", "c1", 100)
	p.Metadata = &Metadata{
		Reactions: []Reaction{{UserID: "u1", PostID: "p1", EmojiName: "smile"}},
		Files:     []FileInfo{{ID: "f1", PostID: "p1", Name: "a.png"}},
		Embeds:    []Embed{{Type: EmbedOpenGraph, URL: "https://example.com", Data: json.RawMessage(`{"title":"x"}`)}},
		Emojis:    []Emoji{{ID: "e1", Name: "party"}},
	}
	if err := s.Ingest([]*Post{p}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if got := s.Reactions("p1"); len(got) != 1 || got[0].EmojiName != "smile" {
		t.Fatalf("expected one smile reaction, got %+v", got)
	}
	if got := s.Files("p1"); len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("expected file f1, got %+v", got)
	}
	if og, ok := s.OpenGraph("https://example.com"); !ok || string(og) != `{"title":"x"}` {
		t.Fatalf("expected opengraph data, got %s", og)
	}

	stored, _ := s.Post("p1")
	md := stored.Metadata
	if md.Reactions != nil || md.Files != nil || md.Emojis != nil {
		t.Fatalf("expected projected metadata to be stripped, got %+v", md)
	}
	if len(md.Embeds) != 1 || md.Embeds[0].Data != nil || md.Embeds[0].URL != "https://example.com" {
		t.Fatalf("expected opengraph embed without data, got %+v", md.Embeds)
	}
	if p.Metadata.Reactions == nil {
		t.Fatal("expected caller's post to be left untouched")
	}
}

func TestExtMergedKeyWise(t *testing.T) {
	s := NewStore()
	first := newPost("p1", "c1", 100)
	first.Ext = map[string]json.RawMessage{"priority": json.RawMessage(`"urgent"`)}
	second := newPost("p1", "c1", 100)
	second.UpdateAt = 200
	second.Ext = map[string]json.RawMessage{"ack": json.RawMessage(`true`)}

	if err := s.Ingest([]*Post{first}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := s.Ingest([]*Post{second}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	got, _ := s.Post("p1")
	if string(got.Ext["priority"]) != `"urgent"` || string(got.Ext["ack"]) != `true` {
		t.Fatalf("expected both ext keys, got %v", got.Ext)
	}
}

func TestPendingPostReplacedByServerCopy(t *testing.T) {
	s := NewStore()
	if err := s.ReceivedPosts("c1", listOf(newPost("p4", "c1", 400)), FetchOptions{Recent: true}); err != nil {
		t.Fatalf("ReceivedPosts failed: %v", err)
	}

	pending := newPost("pend1", "c1", 500)
	pending.UserID = "me"
	if err := s.AddPendingPost(pending); err != nil {
		t.Fatalf("AddPendingPost failed: %v", err)
	}
	recent, _ := s.RecentPostIDs("c1")
	assertOrder(t, recent, "pend1", "p4")
	assertOrder(t, s.PendingPostIDs(), "pend1")
	assertOrder(t, s.SendingPostIDs(), "pend1")

	confirmed := newPost("real1", "c1", 510)
	confirmed.PendingPostID = "pend1"
	if err := s.ReceivedNewPost(confirmed); err != nil {
		t.Fatalf("ReceivedNewPost failed: %v", err)
	}
	// the same post echoed again must not duplicate it
	if err := s.ReceivedNewPost(confirmed); err != nil {
		t.Fatalf("ReceivedNewPost failed: %v", err)
	}

	recent, _ = s.RecentPostIDs("c1")
	assertOrder(t, recent, "real1", "p4")
	if _, ok := s.Post("pend1"); ok {
		t.Fatal("expected pending post to be removed")
	}
	if len(s.PendingPostIDs()) != 0 || len(s.SendingPostIDs()) != 0 {
		t.Fatalf("expected pending sets to be empty, got %v %v", s.PendingPostIDs(), s.SendingPostIDs())
	}
}

func TestAddPendingPostRejectsIDInUse(t *testing.T) {
	s := NewStore()
	first := newPost("me:100:a", "c1", 100)
	first.Message = "first"
	if err := s.AddPendingPost(first); err != nil {
		t.Fatalf("AddPendingPost failed: %v", err)
	}
	second := newPost("me:100:a", "c1", 100)
	second.Message = "second"
	if err := s.AddPendingPost(second); !errors.Is(err, ErrPendingPostExists) {
		t.Fatalf("expected ErrPendingPostExists, got %v", err)
	}
	got, _ := s.Post("me:100:a")
	if got.Message != "first" {
		t.Fatalf("in-flight send was overwritten with %q", got.Message)
	}

	// a failed send may be added again for its retry
	if err := s.PendingPostFailed("me:100:a"); err != nil {
		t.Fatalf("PendingPostFailed failed: %v", err)
	}
	if err := s.AddPendingPost(got); err != nil {
		t.Fatalf("re-adding a failed send failed: %v", err)
	}
	assertOrder(t, s.SendingPostIDs(), "me:100:a")
}

func TestPendingReplyReplacedInThread(t *testing.T) {
	s := NewStore()
	if err := s.Ingest([]*Post{newPost("root", "c1", 100)}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	reply := newPost("pend1", "c1", 200)
	reply.RootID = "root"
	if err := s.AddPendingPost(reply); err != nil {
		t.Fatalf("AddPendingPost failed: %v", err)
	}
	assertOrder(t, s.PostsInThread("root"), "pend1")

	confirmed := newPost("real1", "c1", 210)
	confirmed.RootID = "root"
	confirmed.PendingPostID = "pend1"
	if err := s.ReceivedPost(confirmed); err != nil {
		t.Fatalf("ReceivedPost failed: %v", err)
	}
	assertOrder(t, s.PostsInThread("root"), "real1")
}

func TestPendingPostFailed(t *testing.T) {
	s := NewStore()
	if err := s.AddPendingPost(newPost("pend1", "c1", 100)); err != nil {
		t.Fatalf("AddPendingPost failed: %v", err)
	}
	if err := s.PendingPostFailed("pend1"); err != nil {
		t.Fatalf("PendingPostFailed failed: %v", err)
	}
	got, _ := s.Post("pend1")
	if !got.Failed {
		t.Fatal("expected pending post to be marked failed")
	}
	assertOrder(t, s.PendingPostIDs(), "pend1")
	if len(s.SendingPostIDs()) != 0 {
		t.Fatalf("expected no in-flight sends, got %v", s.SendingPostIDs())
	}
	if err := s.PendingPostFailed("missing"); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}
}

func TestMarkDeletedKeepsSlot(t *testing.T) {
	s := NewStore()
	s.now = func() int64 { return 999 }
	p := newPost("p1", "c1", 100)
	p.Message = "bye"
	if err := s.ReceivedPosts("c1", listOf(p), FetchOptions{Recent: true}); err != nil {
		t.Fatalf("ReceivedPosts failed: %v", err)
	}
	if err := s.MarkDeleted("p1"); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	got, _ := s.Post("p1")
	if got.DeleteAt != 999 || got.State != PostStateDeleted || got.Message != "" {
		t.Fatalf("expected tombstone, got %+v", got)
	}
	recent, _ := s.RecentPostIDs("c1")
	assertOrder(t, recent, "p1")
}

func TestRemoveEvictsThread(t *testing.T) {
	s := NewStore()
	root := newPost("root", "c1", 100)
	a := newPost("a", "c1", 200)
	a.RootID = "root"
	b := newPost("b", "c1", 300)
	b.RootID = "root"
	other := newPost("other", "c1", 400)
	if err := s.ReceivedPosts("c1", listOf(other, b, a, root), FetchOptions{Recent: true}); err != nil {
		t.Fatalf("ReceivedPosts failed: %v", err)
	}
	s.SelectPost("a")

	if err := s.Remove("root"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	for _, id := range []string{"root", "a", "b"} {
		if _, ok := s.Post(id); ok {
			t.Fatalf("expected %s to be evicted", id)
		}
	}
	recent, _ := s.RecentPostIDs("c1")
	assertOrder(t, recent, "other")
	if len(s.PostsInThread("root")) != 0 {
		t.Fatal("expected thread index to be cleared")
	}
	if s.SelectedPostID() != "" {
		t.Fatal("expected selection to be cleared")
	}
	if err := s.Remove("root"); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}
}

func TestPurgeChannel(t *testing.T) {
	s := NewStore()
	if err := s.ReceivedPosts("c1", listOf(newPost("p1", "c1", 100)), FetchOptions{Recent: true}); err != nil {
		t.Fatalf("ReceivedPosts failed: %v", err)
	}
	if err := s.ReceivedPosts("c2", listOf(newPost("q1", "c2", 100)), FetchOptions{Recent: true}); err != nil {
		t.Fatalf("ReceivedPosts failed: %v", err)
	}
	s.PurgeChannel("c1")

	if s.PostsInChannel("c1") != nil {
		t.Fatal("expected channel blocks to be dropped")
	}
	if _, ok := s.Post("p1"); ok {
		t.Fatal("expected channel posts to be dropped")
	}
	if _, ok := s.Post("q1"); !ok {
		t.Fatal("expected other channels to be kept")
	}
}

func TestReactionsToggleHasReactions(t *testing.T) {
	s := NewStore()
	if err := s.Ingest([]*Post{newPost("p1", "c1", 100)}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	reaction := Reaction{UserID: "u1", PostID: "p1", EmojiName: "+1"}
	s.ReceivedReaction(reaction)
	got, _ := s.Post("p1")
	if !got.HasReactions || len(s.Reactions("p1")) != 1 {
		t.Fatal("expected reaction to be recorded")
	}

	s.ReactionDeleted(reaction)
	got, _ = s.Post("p1")
	if got.HasReactions || len(s.Reactions("p1")) != 0 {
		t.Fatal("expected reaction to be removed")
	}
}

func TestPostPinned(t *testing.T) {
	s := NewStore()
	if err := s.Ingest([]*Post{newPost("p1", "c1", 100)}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := s.PostPinned("p1", true); err != nil {
		t.Fatalf("PostPinned failed: %v", err)
	}
	got, _ := s.Post("p1")
	if !got.IsPinned {
		t.Fatal("expected post to be pinned")
	}
	if err := s.PostPinned("nope", true); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}
}

func TestFilterPostIDs(t *testing.T) {
	s := NewStore()
	keep := newPost("keep", "c1", 100)
	keep.UserID = "u1"
	drop := newPost("drop", "c1", 200)
	drop.UserID = "u2"
	if err := s.Ingest([]*Post{keep, drop}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	got := s.FilterPostIDs([]string{"drop", "missing", "keep"}, func(p *Post) bool {
		return p.UserID == "u1"
	})
	assertOrder(t, got, "keep")
}

func TestFilterPostIDsPropagatesPredicatePanic(t *testing.T) {
	s := NewStore()
	if err := s.Ingest([]*Post{newPost("p1", "c1", 100)}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected the predicate panic to reach the caller")
			}
			err, ok := r.(runtime.Error)
			if !ok {
				t.Fatalf("expected a runtime.Error, got %T: %v", r, r)
			}
			if err.Error() != "assignment to entry in nil map" {
				t.Fatalf("unexpected panic %q", err.Error())
			}
		}()
		var seen map[string]bool
		s.FilterPostIDs([]string{"p1"}, func(p *Post) bool {
			seen[p.ID] = true
			return true
		})
	}()

	// the store lock must not be held while the predicate runs
	if err := s.Ingest([]*Post{newPost("p2", "c1", 200)}); err != nil {
		t.Fatalf("Ingest after panic failed: %v", err)
	}
	assertOrder(t, s.FilterPostIDs([]string{"p1", "p2"}, func(*Post) bool { return true }), "p1", "p2")
}

func TestThreadIndexChronological(t *testing.T) {
	s := NewStore()
	root := newPost("root", "c1", 100)
	late := newPost("late", "c1", 300)
	late.RootID = "root"
	early := newPost("early", "c1", 200)
	early.RootID = "root"

	if err := s.ReceivedPostsInThread("root", listOf(late, root, early)); err != nil {
		t.Fatalf("ReceivedPostsInThread failed: %v", err)
	}
	assertOrder(t, s.PostsInThread("root"), "early", "late")
	assertOrder(t, s.ThreadPostIDs("root"), "late", "early", "root")
}
