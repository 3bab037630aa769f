package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound discriminators sent live over the socket.
const (
	TypeAIMessage          = "ai_message"
	TypeAudioTranscription = "audio_transcription"
	TypeToolMessage        = "tool_message"
	TypeError              = "error"
	TypeNewConversation    = "new_conversation"
	TypeConnectionReady    = "connection_ready"
	TypeAudioStarted       = "audio_started"
)

// Discriminators used by the backend's stored history.
const (
	TypeHumanMessage      = "HumanMessage"
	TypeStoredAIMessage   = "AIMessage"
	TypeStoredToolMessage = "ToolMessage"
)

// Outbound command types.
const (
	CommandText      = "text"
	CommandAudio     = "audio"
	CommandStopAudio = "stop_audio"
)

// Envelope is one inbound frame. Fields beyond Type are populated depending on
// the discriminator.
type Envelope struct {
	Type           string   `json:"type"`
	Content        Content  `json:"content"`
	Message        string   `json:"message,omitempty"`
	URLs           []string `json:"urls,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ID             string   `json:"id,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
}

// DecodeEnvelope parses one text frame. Frames that are not a JSON object fail
// with ErrMalformedEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	return env, nil
}

// Content holds an envelope's content field, which the backend sends either as
// a string or, for stored tool results, as a list of strings.
type Content struct {
	Text  string
	Items []string
}

// UnmarshalJSON accepts a string, a list, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		items := make([]string, 0, len(raw))
		for _, item := range raw {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				// non-string list members carry nothing we can render
				continue
			}
			items = append(items, s)
		}
		*c = Content{Text: strings.Join(items, " "), Items: items}
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return err
	}
	*c = Content{Text: text}
	return nil
}

// MarshalJSON writes the list form when the content arrived as a list.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Items != nil {
		return json.Marshal(c.Items)
	}
	return json.Marshal(c.Text)
}

// Command is an outbound frame.
type Command struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// TextCommand sends a typed user message.
func TextCommand(text string) Command {
	return Command{Type: CommandText, Content: text}
}

// StartAudioCommand asks the backend to start capturing speech.
func StartAudioCommand() Command {
	return Command{Type: CommandAudio}
}

// StopAudioCommand asks the backend to stop capturing speech.
func StopAudioCommand() Command {
	return Command{Type: CommandStopAudio}
}
