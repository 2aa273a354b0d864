package export

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/transcript.html templates/transcript.txt
var templateFS embed.FS

var (
	htmlTranscript *htmltemplate.Template
	textTranscript *texttemplate.Template
)

func init() {
	funcMap := map[string]any{
		"comma": func(n int) string { return humanize.Comma(int64(n)) },
	}
	htmlTranscript = htmltemplate.Must(htmltemplate.New("transcript.html").Funcs(funcMap).ParseFS(templateFS, "templates/transcript.html"))
	textTranscript = texttemplate.Must(texttemplate.New("transcript.txt").Funcs(funcMap).ParseFS(templateFS, "templates/transcript.txt"))
}

// TemplateData holds data for transcript rendering
type TemplateData struct {
	ChannelID  string
	Count      int
	Span       string
	ExportedAt time.Time
	Days       []TemplateDay
}

// TemplateDay groups the messages of one calendar day.
type TemplateDay struct {
	Date     time.Time
	Messages []Message
}

// RenderTranscript renders data in the requested format.
func RenderTranscript(format Format, data TemplateData) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatHTML:
		err = htmlTranscript.Execute(&buf, data)
	case FormatText:
		err = textTranscript.Execute(&buf, data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
