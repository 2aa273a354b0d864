package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the post
// cache.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; the cache is required for the service to run
// when a database is configured.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks live posts with plainto_tsquery and ts_rank and builds snippets
// with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	tsQuery := "plainto_tsquery('english', $1)"
	where := "p.fts @@ " + tsQuery + " AND p.delete_at = 0"
	args := []any{q.Text}
	argN := 2
	if q.ChannelID != "" {
		where += fmt.Sprintf(" AND p.channel_id = $%d", argN)
		args = append(args, q.ChannelID)
		argN++
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM posts p WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT p.id, p.channel_id, p.root_id, p.user_id, p.create_at,
			ts_headline('english', p.message, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet
		FROM posts p
		WHERE %s
		ORDER BY ts_rank(p.fts, %s) DESC, p.create_at DESC
		LIMIT $%d OFFSET $%d`, tsQuery, where, tsQuery, argN, argN+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.PostID, &r.ChannelID, &r.RootID, &r.UserID, &r.CreateAt, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every live post for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, channel_id, root_id, user_id, message, create_at
		FROM posts
		WHERE delete_at = 0`)
	if err != nil {
		return nil, fmt.Errorf("load post records: %w", err)
	}
	defer rows.Close()

	var records []PostRecord
	for rows.Next() {
		var r PostRecord
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.RootID, &r.UserID, &r.Message, &r.CreateAt); err != nil {
			return nil, fmt.Errorf("scan post record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
