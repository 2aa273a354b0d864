package search

import (
	"context"
	"log"
)

// Service tries Meilisearch first and falls back to the configured Searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	pgfts    *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured. fallback answers whenever meili cannot.
func NewService(meili *Meili, fallback Searcher) *Service {
	s := &Service{meili: meili, fallback: fallback}
	if pg, ok := fallback.(*PgFTS); ok {
		s.pgfts = pg
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPosts indexes posts (fire-and-forget to Meilisearch).
func (s *Service) IndexPosts(records []PostRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexPosts(records); err != nil {
			log.Printf("search: index %d posts: %v", len(records), err)
		}
	}()
}

// DeletePosts removes posts from the search index (fire-and-forget).
func (s *Service) DeletePosts(ids []string) {
	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeletePost(id); err != nil {
				log.Printf("search: delete post %s: %v", id, err)
			}
		}
	}()
}

// ReindexAllFromPG pushes every cached post into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexPosts(records); err != nil {
		log.Printf("search: reindex posts: %v", err)
	}
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
