package store

import (
	"context"
	"strings"
	"testing"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
	"github.com/mattermost/mattermost-redux-sub001/internal/preferences"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	db, ctx := openTestDB(t)
	if err := ApplyMigrations(ctx, db, MigrationSource("")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestUpsertPostsKeepsNewerRow(t *testing.T) {
	s, ctx := openTestStore(t)

	newer := &posts.Post{ID: "p1", ChannelID: "c1", CreateAt: 100, UpdateAt: 200, Message: "edited"}
	older := &posts.Post{ID: "p1", ChannelID: "c1", CreateAt: 100, UpdateAt: 150, Message: "original"}
	if err := s.UpsertPosts(ctx, []*posts.Post{newer}); err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	if err := s.UpsertPosts(ctx, []*posts.Post{older}); err != nil {
		t.Fatalf("upsert older: %v", err)
	}

	snapshot, err := s.LoadChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	if len(snapshot.Posts) != 1 || snapshot.Posts[0].Message != "edited" {
		t.Fatalf("expected the newer row to win, got %+v", snapshot.Posts)
	}
}

func TestChannelSnapshotRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)

	batch := []*posts.Post{
		{ID: "a", ChannelID: "c1", CreateAt: 1},
		{ID: "b", ChannelID: "c1", CreateAt: 2},
		{ID: "c", ChannelID: "c1", CreateAt: 3},
		{ID: "x", ChannelID: "c2", CreateAt: 1},
	}
	if err := s.UpsertPosts(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	blocks := []posts.Block{
		{Order: []string{"c", "b"}, Recent: true},
		{Order: []string{"a"}, Oldest: true},
	}
	if err := s.SaveBlocks(ctx, "c1", blocks); err != nil {
		t.Fatalf("save blocks: %v", err)
	}
	if err := s.SetLastSynced(ctx, "c1", 500); err != nil {
		t.Fatalf("set last synced: %v", err)
	}
	if err := s.SetLastSynced(ctx, "c1", 400); err != nil {
		t.Fatalf("set last synced: %v", err)
	}

	snapshot, err := s.LoadChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snapshot.LastSynced != 500 {
		t.Fatalf("last synced = %d, want 500", snapshot.LastSynced)
	}
	if len(snapshot.Blocks) != 2 || !snapshot.Blocks[0].Recent || !snapshot.Blocks[1].Oldest {
		t.Fatalf("unexpected blocks %+v", snapshot.Blocks)
	}
	if got := strings.Join(snapshot.Blocks[0].Order, ","); got != "c,b" {
		t.Fatalf("first block = %s", got)
	}
	if len(snapshot.Posts) != 3 || snapshot.Posts[0].ID != "c" {
		t.Fatalf("posts not newest first: %+v", snapshot.Posts)
	}

	ids, err := s.ChannelIDs(ctx)
	if err != nil || strings.Join(ids, ",") != "c1,c2" {
		t.Fatalf("channel ids = %v, %v", ids, err)
	}

	if err := s.DeleteChannel(ctx, "c1"); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
	snapshot, err = s.LoadChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if len(snapshot.Posts) != 0 || len(snapshot.Blocks) != 0 || snapshot.LastSynced != 0 {
		t.Fatalf("channel not purged: %+v", snapshot)
	}
}

func TestPreferenceStoreRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)
	prefs := s.Preferences()

	if err := prefs.Save(ctx, "u1", []preferences.Preference{
		{Category: "display_settings", Name: "use_military_time", Value: "true"},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := prefs.Save(ctx, "u1", []preferences.Preference{
		{Category: "display_settings", Name: "use_military_time", Value: "false"},
	}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	loaded, err := prefs.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Value != "false" || loaded[0].UserID != "u1" {
		t.Fatalf("unexpected preferences %+v", loaded)
	}
	if err := prefs.Save(ctx, "u1", []preferences.Preference{
		{Category: "advanced_settings", Name: "join_leave", Value: "false"},
	}); err != nil {
		t.Fatalf("save join_leave: %v", err)
	}
	if err := prefs.Delete(ctx, "u1", []preferences.Preference{
		{Category: "advanced_settings", Name: "join_leave"},
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	loaded, err = prefs.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "use_military_time" {
		t.Fatalf("delete left %+v", loaded)
	}

	if err := prefs.Replace(ctx, "u1", []preferences.Preference{
		{Category: "display_settings", Name: "channel_display_mode", Value: "full"},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	loaded, err = prefs.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load after replace: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "channel_display_mode" {
		t.Fatalf("replace left %+v", loaded)
	}
}
