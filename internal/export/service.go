package export

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
)

// DataSource supplies the posts of a channel, newest first.
type DataSource interface {
	ChannelPosts(channelID string) []*posts.Post
}

// Uploader stores rendered transcripts.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Service provides channel transcript export
type Service struct {
	source   DataSource
	uploader Uploader
	maxBytes uint64
	location *time.Location
	now      func() time.Time
}

// NewService creates an export service. uploader may be nil, in which case
// uploads fail with ErrStorageUnavailable. maxBytes of 0 disables the cap.
func NewService(source DataSource, uploader Uploader, maxBytes uint64, location *time.Location) *Service {
	if location == nil {
		location = time.Local
	}
	return &Service{
		source:   source,
		uploader: uploader,
		maxBytes: maxBytes,
		location: location,
		now:      time.Now,
	}
}

// Export renders every loaded post of a channel oldest first and optionally
// uploads the result.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatHTML
	}
	mimeType, ext, err := formatInfo(req.Format)
	if err != nil {
		return nil, err
	}
	if req.Upload && s.uploader == nil {
		return nil, ErrStorageUnavailable
	}

	list := s.source.ChannelPosts(req.ChannelID)
	messages := make([]Message, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		post := list[i]
		if post.Type == posts.PostTypeEphemeralAddToChannel || post.PendingPostID == post.ID {
			continue
		}
		if post.RootID != "" && !req.IncludeReplies {
			continue
		}
		messages = append(messages, Message{
			PostID:    post.ID,
			UserID:    post.UserID,
			Message:   post.Message,
			CreatedAt: time.UnixMilli(post.CreateAt).In(s.location),
			Edited:    post.EditAt > 0,
			Deleted:   post.IsDeleted(),
			IsReply:   post.RootID != "",
			IsSystem:  posts.IsSystemType(post.Type),
		})
	}
	if len(messages) == 0 {
		return nil, ErrEmptyChannel
	}

	exportedAt := s.now().In(s.location)
	data := TemplateData{
		ChannelID:  req.ChannelID,
		Count:      len(messages),
		Span:       span(messages[0].CreatedAt, messages[len(messages)-1].CreatedAt),
		ExportedAt: exportedAt,
		Days:       groupByDay(messages),
	}
	rendered, err := RenderTranscript(req.Format, data)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}
	if s.maxBytes > 0 && uint64(len(rendered)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s over %s", ErrTooLarge,
			humanize.Bytes(uint64(len(rendered))), humanize.Bytes(s.maxBytes))
	}

	result := &Result{
		Data:     rendered,
		Filename: fmt.Sprintf("%s-%s.%s", req.ChannelID, exportedAt.Format("20060102-150405"), ext),
		MimeType: mimeType,
	}
	if req.Upload {
		key := "transcripts/" + req.ChannelID + "/" + result.Filename
		if err := s.uploader.Upload(ctx, key, rendered, mimeType); err != nil {
			return nil, fmt.Errorf("upload transcript: %w", err)
		}
		result.ObjectKey = key
		log.Printf("export: uploaded %s (%s, %s messages)", key,
			humanize.Bytes(uint64(len(rendered))), humanize.Comma(int64(len(messages))))
	}
	return result, nil
}

func formatInfo(format Format) (mimeType, ext string, err error) {
	switch format {
	case FormatHTML:
		return "text/html; charset=utf-8", "html", nil
	case FormatText:
		return "text/plain; charset=utf-8", "txt", nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// span describes the time between the first and last message, "" when they
// share a timestamp.
func span(first, last time.Time) string {
	if !last.After(first) {
		return ""
	}
	return strings.TrimSpace(humanize.RelTime(first, last, "", ""))
}

func groupByDay(messages []Message) []TemplateDay {
	var days []TemplateDay
	for _, m := range messages {
		t := m.CreatedAt
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		if len(days) == 0 || !days[len(days)-1].Date.Equal(day) {
			days = append(days, TemplateDay{Date: day})
		}
		days[len(days)-1].Messages = append(days[len(days)-1].Messages, m)
	}
	return days
}
