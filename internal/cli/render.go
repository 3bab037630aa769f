package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/z-tavern/webclient/internal/export"
	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// Renderer prints transcript entries and status lines. It is safe for use
// from the session loop and the input loop at once.
type Renderer struct {
	mu sync.Mutex
	w  io.Writer

	speakers map[chat.EntryKind]lipgloss.Style
	body     lipgloss.Style
	media    lipgloss.Style
	status   lipgloss.Style
	header   lipgloss.Style
	muted    lipgloss.Style
}

// NewRenderer styles output for w's color profile.
func NewRenderer(w io.Writer) *Renderer {
	re := lipgloss.NewRenderer(w)
	return &Renderer{
		w: w,
		speakers: map[chat.EntryKind]lipgloss.Style{
			chat.KindUserMessage:      re.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
			chat.KindTranscription:    re.NewStyle().Bold(true).Foreground(lipgloss.Color("42")).Italic(true),
			chat.KindAssistantMessage: re.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
			chat.KindToolResult:       re.NewStyle().Bold(true).Foreground(lipgloss.Color("135")),
			chat.KindSystemError:      re.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		},
		body:   re.NewStyle().PaddingLeft(2),
		media:  re.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("39")).Underline(true),
		status: re.NewStyle().Foreground(lipgloss.Color("243")).Italic(true),
		header: re.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		muted:  re.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Entry prints one transcript entry.
func (r *Renderer) Entry(entry chat.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeEntry(entry)
}

// Transcript prints a full transcript under a header.
func (r *Renderer) Transcript(title string, entries []chat.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.w, r.header.Render(title))
	if len(entries) == 0 {
		fmt.Fprintln(r.w, r.muted.Render("(no messages)"))
		return
	}
	for _, entry := range entries {
		r.writeEntry(entry)
	}
}

// Status prints an operational line.
func (r *Renderer) Status(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.status.Render("» "+fmt.Sprintf(format, args...)))
}

// Line prints plain text.
func (r *Renderer) Line(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, text)
}

func (r *Renderer) writeEntry(entry chat.Entry) {
	style, ok := r.speakers[entry.Kind]
	if !ok {
		style = r.muted
	}
	label := style.Render(export.Speaker(entry.Kind))
	stamp := r.muted.Render(entry.CreatedAt.Local().Format("15:04:05"))
	fmt.Fprintf(r.w, "%s %s\n", label, stamp)

	text := strings.TrimSpace(entry.Text)
	if text != "" {
		fmt.Fprintln(r.w, r.body.Render(text))
	}
	for _, u := range entry.MediaURLs {
		fmt.Fprintln(r.w, r.media.Render(u))
	}
}
