package postlist

import "github.com/mattermost/mattermost-redux-sub001/internal/posts"

// MaxCombinedPosts caps how many posts one CombinedActivity may hold.
const MaxCombinedPosts = 100

// CombineUserActivityPosts collapses every run of two or more consecutive
// join/leave/add/remove posts into CombinedActivity items. Markers, other
// posts and ids lookup cannot resolve end a run. Runs longer than
// MaxCombinedPosts are split into several items.
func CombineUserActivityPosts(items []Item, lookup func(postID string) *posts.Post) []Item {
	out := make([]Item, 0, len(items))
	var run []string
	flush := func() {
		switch {
		case len(run) == 1:
			out = append(out, PostItem{PostID: run[0]})
		case len(run) > 1:
			for start := 0; start < len(run); start += MaxCombinedPosts {
				end := start + MaxCombinedPosts
				if end > len(run) {
					end = len(run)
				}
				out = append(out, CombinedActivity{PostIDs: append([]string(nil), run[start:end]...)})
			}
		}
		run = run[:0]
	}

	for _, item := range items {
		postItem, ok := item.(PostItem)
		if !ok {
			flush()
			out = append(out, item)
			continue
		}
		post := lookup(postItem.PostID)
		if post == nil || !posts.IsUserActivityType(post.Type) {
			flush()
			out = append(out, item)
			continue
		}
		run = append(run, postItem.PostID)
	}
	flush()
	return out
}
