package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// MarkdownExporter renders a human-readable transcript.
type MarkdownExporter struct{}

func (MarkdownExporter) Export(t Transcript, w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# Conversation %s\n\n", t.Conversation)
	fmt.Fprintf(bw, "**Entries:** %d  \n", len(t.Entries))
	fmt.Fprintf(bw, "**Exported:** %s\n\n", t.ExportedAt.Format(time.RFC3339))

	for i, entry := range t.Entries {
		if i > 0 {
			bw.WriteString("---\n\n")
		}
		fmt.Fprintf(bw, "**%s** (%s)\n\n", Speaker(entry.Kind), entry.CreatedAt.Format(time.RFC3339))
		if entry.Kind == chat.KindSystemError {
			fmt.Fprintf(bw, "> %s\n\n", escapeMarkdown(entry.Text))
		} else {
			fmt.Fprintf(bw, "%s\n\n", escapeMarkdown(entry.Text))
		}
		for _, u := range entry.MediaURLs {
			fmt.Fprintf(bw, "- ![media](%s)\n", u)
		}
		if len(entry.MediaURLs) > 0 {
			bw.WriteString("\n")
		}
	}

	return bw.Flush()
}

func (MarkdownExporter) Extension() string   { return "md" }
func (MarkdownExporter) ContentType() string { return "text/markdown; charset=utf-8" }

// Speaker is the display label for an entry kind.
func Speaker(kind chat.EntryKind) string {
	switch kind {
	case chat.KindUserMessage:
		return "You"
	case chat.KindAssistantMessage:
		return "Assistant"
	case chat.KindTranscription:
		return "You (voice)"
	case chat.KindToolResult:
		return "Tool"
	case chat.KindSystemError:
		return "Error"
	default:
		return string(kind)
	}
}

// escapeMarkdown neutralises emphasis markers outside fenced code blocks.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	fenced := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			fenced = !fenced
			continue
		}
		if fenced {
			continue
		}
		line = strings.ReplaceAll(line, "**", `\*\*`)
		lines[i] = strings.ReplaceAll(line, "__", `\_\_`)
	}
	return strings.Join(lines, "\n")
}
