package search

import (
	"context"
	"sort"
	"strings"
)

// RecordSource lists the posts currently held in memory.
type RecordSource interface {
	SearchRecords() []PostRecord
}

// Memory is a case-insensitive substring matcher over the in-memory store. It
// serves search when neither Meilisearch nor a database is configured.
type Memory struct {
	source RecordSource
}

func NewMemory(source RecordSource) *Memory {
	return &Memory{source: source}
}

func (m *Memory) Healthy() bool {
	return true
}

func (m *Memory) Search(_ context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	q = normalize(q)

	var matched []Result
	for _, record := range m.source.SearchRecords() {
		if q.ChannelID != "" && record.ChannelID != q.ChannelID {
			continue
		}
		if !containsAll(strings.ToLower(record.Message), terms) {
			continue
		}
		matched = append(matched, Result{
			PostID:    record.ID,
			ChannelID: record.ChannelID,
			RootID:    record.RootID,
			UserID:    record.UserID,
			CreateAt:  record.CreateAt,
			Snippet:   record.Message,
		})
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreateAt != matched[j].CreateAt {
			return matched[i].CreateAt > matched[j].CreateAt
		}
		return matched[i].PostID > matched[j].PostID
	})

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}

func containsAll(text string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}
