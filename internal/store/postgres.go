package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
	"github.com/mattermost/mattermost-redux-sub001/internal/preferences"
)

// PostgresStore is the durable post cache. It mirrors the in-memory store so
// a restart can show channels before the server answers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// UpsertPosts writes posts, keeping the stored row when it has a newer
// update_at.
func (s *PostgresStore) UpsertPosts(ctx context.Context, batch []*posts.Post) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert posts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (id, channel_id, root_id, user_id, type, message, create_at, update_at, delete_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			root_id = EXCLUDED.root_id,
			type = EXCLUDED.type,
			message = EXCLUDED.message,
			update_at = EXCLUDED.update_at,
			delete_at = EXCLUDED.delete_at,
			payload = EXCLUDED.payload
		WHERE posts.update_at <= EXCLUDED.update_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert posts: %w", err)
	}
	defer stmt.Close()

	for _, post := range batch {
		if post == nil || post.ID == "" {
			continue
		}
		payload, err := json.Marshal(post)
		if err != nil {
			return fmt.Errorf("marshal post %s: %w", post.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			post.ID, post.ChannelID, post.RootID, post.UserID, post.Type, post.Message,
			post.CreateAt, post.UpdateAt, post.DeleteAt, payload,
		); err != nil {
			return fmt.Errorf("upsert post %s: %w", post.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert posts: %w", err)
	}
	return nil
}

// DeleteChannel drops every cached row of a channel.
func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete channel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range []string{
		`DELETE FROM posts WHERE channel_id = $1`,
		`DELETE FROM channel_blocks WHERE channel_id = $1`,
		`DELETE FROM sync_state WHERE channel_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, channelID); err != nil {
			return fmt.Errorf("delete channel %s: %w", channelID, err)
		}
	}
	return tx.Commit()
}

// SaveBlocks replaces the block list of a channel.
func (s *PostgresStore) SaveBlocks(ctx context.Context, channelID string, blocks []posts.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save blocks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_blocks WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	for i, block := range blocks {
		ids := append([]string{}, block.Order...)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_blocks (channel_id, position, post_ids, recent, oldest)
			VALUES ($1, $2, $3, $4, $5)
		`, channelID, i, ids, block.Recent, block.Oldest); err != nil {
			return fmt.Errorf("insert block %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadChannel reads the cached blocks, posts and sync time of a channel.
// Posts come back newest first.
func (s *PostgresStore) LoadChannel(ctx context.Context, channelID string) (ChannelSnapshot, error) {
	snapshot := ChannelSnapshot{ChannelID: channelID}

	rows, err := s.db.QueryContext(ctx, `
		SELECT post_ids, recent, oldest
		FROM channel_blocks
		WHERE channel_id = $1
		ORDER BY position
	`, channelID)
	if err != nil {
		return ChannelSnapshot{}, fmt.Errorf("load blocks: %w", err)
	}
	types := pgtype.NewMap()
	for rows.Next() {
		var ids []string
		var block posts.Block
		if err := rows.Scan(types.SQLScanner(&ids), &block.Recent, &block.Oldest); err != nil {
			rows.Close()
			return ChannelSnapshot{}, fmt.Errorf("scan block: %w", err)
		}
		block.Order = append([]string{}, ids...)
		snapshot.Blocks = append(snapshot.Blocks, block)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ChannelSnapshot{}, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT payload
		FROM posts
		WHERE channel_id = $1
		ORDER BY create_at DESC, id DESC
	`, channelID)
	if err != nil {
		return ChannelSnapshot{}, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return ChannelSnapshot{}, fmt.Errorf("scan post: %w", err)
		}
		var post posts.Post
		if err := json.Unmarshal(payload, &post); err != nil {
			return ChannelSnapshot{}, fmt.Errorf("decode post: %w", err)
		}
		snapshot.Posts = append(snapshot.Posts, &post)
	}
	if err := rows.Err(); err != nil {
		return ChannelSnapshot{}, err
	}

	last, err := s.LastSynced(ctx, channelID)
	if err != nil {
		return ChannelSnapshot{}, err
	}
	snapshot.LastSynced = last
	return snapshot, nil
}

// ChannelIDs lists every channel with cached posts or blocks.
func (s *PostgresStore) ChannelIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id FROM posts
		UNION
		SELECT channel_id FROM channel_blocks
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SetLastSynced(ctx context.Context, channelID string, millis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (channel_id, last_synced)
		VALUES ($1, $2)
		ON CONFLICT (channel_id) DO UPDATE SET last_synced = GREATEST(sync_state.last_synced, EXCLUDED.last_synced), updated_at = NOW()
	`, channelID, millis)
	if err != nil {
		return fmt.Errorf("set last synced: %w", err)
	}
	return nil
}

// LastSynced returns 0 for a channel that was never synced.
func (s *PostgresStore) LastSynced(ctx context.Context, channelID string) (int64, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx, `SELECT last_synced FROM sync_state WHERE channel_id = $1`, channelID).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last synced: %w", err)
	}
	return millis, nil
}

// Preferences returns a preferences.Backing over the preferences table.
func (s *PostgresStore) Preferences() *PreferenceStore {
	return &PreferenceStore{db: s.db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PreferenceStore persists preferences in Postgres when Redis is not
// configured.
type PreferenceStore struct {
	db *sql.DB
}

func (p *PreferenceStore) Save(ctx context.Context, userID string, prefs []preferences.Preference) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save preferences: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, pref := range prefs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO preferences (user_id, category, name, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, category, name) DO UPDATE SET value = EXCLUDED.value
		`, userID, pref.Category, pref.Name, pref.Value); err != nil {
			return fmt.Errorf("save preference %s:%s: %w", pref.Category, pref.Name, err)
		}
	}
	return tx.Commit()
}

func (p *PreferenceStore) Delete(ctx context.Context, userID string, prefs []preferences.Preference) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete preferences: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, pref := range prefs {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM preferences WHERE user_id = $1 AND category = $2 AND name = $3
		`, userID, pref.Category, pref.Name); err != nil {
			return fmt.Errorf("delete preference %s:%s: %w", pref.Category, pref.Name, err)
		}
	}
	return tx.Commit()
}

// Replace stores prefs as the user's complete set in one transaction.
func (p *PreferenceStore) Replace(ctx context.Context, userID string, prefs []preferences.Preference) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace preferences: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM preferences WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear preferences: %w", err)
	}
	for _, pref := range prefs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO preferences (user_id, category, name, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, category, name) DO UPDATE SET value = EXCLUDED.value
		`, userID, pref.Category, pref.Name, pref.Value); err != nil {
			return fmt.Errorf("save preference %s:%s: %w", pref.Category, pref.Name, err)
		}
	}
	return tx.Commit()
}

func (p *PreferenceStore) Load(ctx context.Context, userID string) ([]preferences.Preference, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT category, name, value FROM preferences WHERE user_id = $1 ORDER BY category, name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	defer rows.Close()
	var out []preferences.Preference
	for rows.Next() {
		pref := preferences.Preference{UserID: userID}
		if err := rows.Scan(&pref.Category, &pref.Name, &pref.Value); err != nil {
			return nil, err
		}
		out = append(out, pref)
	}
	return out, rows.Err()
}
