// Package export renders channel transcripts and uploads them to S3-compatible
// object storage.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatText Format = "txt"
)

// Request contains parameters for an export operation
type Request struct {
	ChannelID string
	Format    Format
	// IncludeReplies keeps thread replies in the transcript.
	IncludeReplies bool
	// Upload stores the rendered transcript in the bucket.
	Upload bool
}

// Message is one transcript line.
type Message struct {
	PostID    string
	UserID    string
	Message   string
	CreatedAt time.Time
	Edited    bool
	Deleted   bool
	IsReply   bool
	IsSystem  bool
}

// Result contains the export output
type Result struct {
	Data      []byte
	Filename  string
	MimeType  string
	ObjectKey string `json:",omitempty"`
}

var (
	// ErrEmptyChannel indicates there is nothing loaded to export.
	ErrEmptyChannel = errors.New("export channel has no loaded posts")
	// ErrTooLarge indicates the rendered transcript exceeds the configured cap.
	ErrTooLarge = errors.New("export exceeds size limit")
	// ErrStorageUnavailable indicates an upload was requested without object storage.
	ErrStorageUnavailable = errors.New("export storage unavailable")
	ErrUnsupportedFormat  = errors.New("export format unsupported")
)
