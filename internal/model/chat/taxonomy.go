package chat

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrUnrecognizedEnvelope = errors.New("unrecognized envelope")
	// ErrControlEnvelope marks known envelopes that never become transcript entries.
	ErrControlEnvelope = errors.New("control envelope")
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

const urlTrailingPunctuation = `'",.;`

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// IsControl reports whether t is a known discriminator that carries session
// signalling instead of transcript content.
func IsControl(t string) bool {
	switch t {
	case TypeNewConversation, TypeConnectionReady, TypeAudioStarted:
		return true
	default:
		return false
	}
}

// Classify maps an envelope to exactly one transcript entry.
func Classify(env Envelope) (Entry, error) {
	var entry Entry

	switch env.Type {
	case TypeAIMessage, TypeStoredAIMessage:
		entry = AssistantMessage(env.Content.Text)
	case TypeAudioTranscription:
		entry = Transcription(env.Content.Text)
	case TypeHumanMessage:
		entry = UserMessage(env.Content.Text)
	case TypeToolMessage, TypeStoredToolMessage:
		urls := ExtractURLs(env.Content.Text)
		urls = append(urls, env.URLs...)
		entry = ToolResult(env.Content.Text, urls)
	case TypeError:
		entry = SystemError(env.Message)
	default:
		if IsControl(env.Type) {
			return Entry{}, fmt.Errorf("%w: %s", ErrControlEnvelope, env.Type)
		}
		return Entry{}, fmt.Errorf("%w: type %q", ErrUnrecognizedEnvelope, env.Type)
	}

	if id := strings.TrimSpace(env.ID); id != "" {
		entry.ID = id
	}
	if ts, ok := parseTimestamp(env.Timestamp); ok {
		entry.CreatedAt = ts
	}
	return entry, nil
}

// ExtractURLs scans free text for http(s) URLs in order of appearance.
// Duplicates are kept.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		cleaned := trimURL(match)
		if cleaned == "http://" || cleaned == "https://" {
			continue
		}
		urls = append(urls, cleaned)
	}
	return urls
}

// trimURL strips trailing punctuation picked up from the surrounding prose.
// A closing bracket is only dropped when it has no opener inside the URL.
func trimURL(url string) string {
	for {
		trimmed := strings.TrimRight(url, urlTrailingPunctuation)
		switch {
		case strings.HasSuffix(trimmed, ")") && strings.Count(trimmed, ")") > strings.Count(trimmed, "("):
			trimmed = trimmed[:len(trimmed)-1]
		case strings.HasSuffix(trimmed, "]") && strings.Count(trimmed, "]") > strings.Count(trimmed, "["):
			trimmed = trimmed[:len(trimmed)-1]
		}
		if trimmed == url {
			return url
		}
		url = trimmed
	}
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
