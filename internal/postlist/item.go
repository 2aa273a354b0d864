// Package postlist turns a channel's ordered post ids into the display list a
// UI renders: date separators, the new messages line, hidden join/leave
// messages and combined user activity.
package postlist

import (
	"strings"
	"time"
)

// Item is one entry of a prepared post list. It is one of PostItem,
// DateSeparator, NewMessagesLine or CombinedActivity.
type Item interface {
	ID() string
	isItem()
}

type PostItem struct {
	PostID string
}

// DateSeparator starts a calendar day. Date is local midnight.
type DateSeparator struct {
	Date time.Time
}

// NewMessagesLine sits right before the first post the viewer has not seen.
type NewMessagesLine struct{}

// CombinedActivity replaces a run of consecutive join/leave/add/remove posts.
// PostIDs keeps the run's order.
type CombinedActivity struct {
	PostIDs []string
}

const (
	dateSeparatorPrefix    = "date-"
	newMessagesLineID      = "start-of-new-messages"
	combinedActivityPrefix = "user-activity-"
)

func (i PostItem) ID() string { return i.PostID }

func (i DateSeparator) ID() string {
	return dateSeparatorPrefix + i.Date.Format("2006-01-02")
}

func (NewMessagesLine) ID() string { return newMessagesLineID }

func (i CombinedActivity) ID() string {
	return combinedActivityPrefix + strings.Join(i.PostIDs, "_")
}

func (PostItem) isItem()         {}
func (DateSeparator) isItem()    {}
func (NewMessagesLine) isItem()  {}
func (CombinedActivity) isItem() {}

func sameItem(a, b Item) bool {
	switch x := a.(type) {
	case PostItem:
		y, ok := b.(PostItem)
		return ok && x.PostID == y.PostID
	case DateSeparator:
		y, ok := b.(DateSeparator)
		return ok && x.Date.Equal(y.Date)
	case NewMessagesLine:
		_, ok := b.(NewMessagesLine)
		return ok
	case CombinedActivity:
		y, ok := b.(CombinedActivity)
		if !ok || len(x.PostIDs) != len(y.PostIDs) {
			return false
		}
		for i := range x.PostIDs {
			if x.PostIDs[i] != y.PostIDs[i] {
				return false
			}
		}
		return true
	}
	return false
}

func sameItems(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameItem(a[i], b[i]) {
			return false
		}
	}
	return true
}
