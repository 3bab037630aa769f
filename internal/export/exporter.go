// Package export renders a conversation transcript in file formats suitable
// for sharing or archiving.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// ErrUnsupportedFormat is returned by NewExporter for unknown formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Transcript is the unit of export: one conversation's entries.
type Transcript struct {
	Conversation string       `json:"conversation" yaml:"conversation"`
	ExportedAt   time.Time    `json:"exportedAt" yaml:"exportedAt"`
	Entries      []chat.Entry `json:"entries" yaml:"entries"`
}

// NewTranscript wraps entries of the conversation identified by id.
func NewTranscript(id chat.Identity, entries []chat.Entry) Transcript {
	if entries == nil {
		entries = []chat.Entry{}
	}
	return Transcript{
		Conversation: id.Ref(),
		ExportedAt:   time.Now().UTC(),
		Entries:      entries,
	}
}

// Exporter writes a transcript in one format.
type Exporter interface {
	Export(t Transcript, w io.Writer) error
	Extension() string
	ContentType() string
}

// Formats lists the accepted format names.
func Formats() []string {
	return []string{"json", "jsonl", "yaml", "md"}
}

// NewExporter returns the exporter for format.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return JSONExporter{}, nil
	case "jsonl", "ndjson":
		return JSONLExporter{}, nil
	case "yaml", "yml":
		return YAMLExporter{}, nil
	case "md", "markdown":
		return MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedFormat, format, strings.Join(Formats(), ", "))
	}
}
