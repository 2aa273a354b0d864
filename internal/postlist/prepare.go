package postlist

import (
	"time"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

// User is the viewer a list is prepared for.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Context carries everything besides the posts that decides a prepared list.
type Context struct {
	// LastViewedAt is the viewer's last visit to the channel in millis; 0 disables
	// the new messages line.
	LastViewedAt        int64
	IndicateNewMessages bool
	SelectedPostID      string
	CurrentUser         *User
	ShowJoinLeave       bool
	// Location decides where calendar days start. nil means time.Local.
	Location *time.Location
}

// PreparePostList builds the display list for posts given newest first.
// Nil entries are dangling ids and are skipped. The result is newest first.
func PreparePostList(list []*posts.Post, ctx Context) []Item {
	if len(list) == 0 || ctx.CurrentUser == nil {
		return []Item{}
	}
	loc := ctx.Location
	if loc == nil {
		loc = time.Local
	}

	out := make([]Item, 0, len(list)+4)
	var lastDay time.Time
	addedNewMessagesLine := false
	for i := len(list) - 1; i >= 0; i-- {
		post := list[i]
		if post == nil {
			continue
		}
		if post.Type == posts.PostTypeEphemeralAddToChannel && ctx.SelectedPostID == "" {
			continue
		}
		if !ctx.ShowJoinLeave && posts.IsUserActivityType(post.Type) && !isAboutUser(post, ctx.CurrentUser) {
			continue
		}

		day := startOfDay(post.CreateAt, loc)
		if !day.Equal(lastDay) {
			out = append(out, DateSeparator{Date: day})
			lastDay = day
		}

		if !addedNewMessagesLine &&
			ctx.LastViewedAt > 0 &&
			ctx.IndicateNewMessages &&
			post.CreateAt > ctx.LastViewedAt &&
			post.UserID != ctx.CurrentUser.ID {
			out = append(out, NewMessagesLine{})
			addedNewMessagesLine = true
		}

		out = append(out, PostItem{PostID: post.ID})
	}

	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// isAboutUser reports whether a membership post concerns user, either as its
// subject or its author.
func isAboutUser(post *posts.Post, user *User) bool {
	if post.UserID == user.ID {
		return true
	}
	if user.Username == "" {
		return false
	}
	for _, key := range []string{"username", "addedUsername", "removedUsername"} {
		if post.PropString(key) == user.Username {
			return true
		}
	}
	return false
}

func startOfDay(millis int64, loc *time.Location) time.Time {
	t := time.UnixMilli(millis).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
