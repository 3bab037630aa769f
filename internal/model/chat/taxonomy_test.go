package chat

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func mustDecode(t *testing.T, frame string) Envelope {
	t.Helper()
	env, err := DecodeEnvelope([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeEnvelope(%s) err: %v", frame, err)
	}
	return env
}

func TestClassifyKnownEnvelopes(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		kind  EntryKind
		text  string
	}{
		{name: "assistant", frame: `{"type":"ai_message","content":"hello"}`, kind: KindAssistantMessage, text: "hello"},
		{name: "transcription", frame: `{"type":"audio_transcription","content":"spoken words"}`, kind: KindTranscription, text: "spoken words"},
		{name: "error", frame: `{"type":"error","message":"Failed to parse ToolMessage content."}`, kind: KindSystemError, text: "Failed to parse ToolMessage content."},
		{name: "stored human", frame: `{"type":"HumanMessage","content":"hi there"}`, kind: KindUserMessage, text: "hi there"},
		{name: "stored ai", frame: `{"type":"AIMessage","content":"reply"}`, kind: KindAssistantMessage, text: "reply"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry, err := Classify(mustDecode(t, tc.frame))
			if err != nil {
				t.Fatalf("Classify err: %v", err)
			}
			if entry.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", entry.Kind, tc.kind)
			}
			if entry.Text != tc.text {
				t.Fatalf("text = %q, want %q", entry.Text, tc.text)
			}
			if entry.ID == "" {
				t.Fatal("expected generated entry id")
			}
			if len(entry.MediaURLs) != 0 {
				t.Fatalf("unexpected media urls: %v", entry.MediaURLs)
			}
		})
	}
}

func TestClassifyToolMessageMergesExtractedAndExplicitURLs(t *testing.T) {
	env := mustDecode(t, `{"type":"tool_message","content":"check this http://x.test/a.png out","urls":["http://x.test/b.png"]}`)

	entry, err := Classify(env)
	if err != nil {
		t.Fatalf("Classify err: %v", err)
	}
	if entry.Kind != KindToolResult {
		t.Fatalf("kind = %s, want %s", entry.Kind, KindToolResult)
	}
	if entry.Text != "check this http://x.test/a.png out" {
		t.Fatalf("unexpected text %q", entry.Text)
	}
	want := []string{"http://x.test/a.png", "http://x.test/b.png"}
	if !reflect.DeepEqual(entry.MediaURLs, want) {
		t.Fatalf("media urls = %v, want %v", entry.MediaURLs, want)
	}
}

func TestClassifyToolMessageKeepsDuplicates(t *testing.T) {
	env := mustDecode(t, `{"type":"tool_message","content":"https://m.test/1.gif https://m.test/2.gif","urls":["https://m.test/1.gif","https://m.test/2.gif"]}`)

	entry, err := Classify(env)
	if err != nil {
		t.Fatalf("Classify err: %v", err)
	}
	want := []string{"https://m.test/1.gif", "https://m.test/2.gif", "https://m.test/1.gif", "https://m.test/2.gif"}
	if !reflect.DeepEqual(entry.MediaURLs, want) {
		t.Fatalf("media urls = %v, want %v", entry.MediaURLs, want)
	}
}

func TestClassifyStoredToolMessageWithURLList(t *testing.T) {
	env := mustDecode(t, `{"id":"m-7","type":"ToolMessage","content":["https://m.test/a.jpg","https://m.test/b.jpg"],"name":"generate_contextual_meme","timestamp":"2024-11-02T10:11:12.123456"}`)

	entry, err := Classify(env)
	if err != nil {
		t.Fatalf("Classify err: %v", err)
	}
	if entry.ID != "m-7" {
		t.Fatalf("id = %s, want m-7", entry.ID)
	}
	if entry.Text != "https://m.test/a.jpg https://m.test/b.jpg" {
		t.Fatalf("unexpected text %q", entry.Text)
	}
	want := []string{"https://m.test/a.jpg", "https://m.test/b.jpg"}
	if !reflect.DeepEqual(entry.MediaURLs, want) {
		t.Fatalf("media urls = %v, want %v", entry.MediaURLs, want)
	}
	wantTime := time.Date(2024, 11, 2, 10, 11, 12, 123456000, time.UTC)
	if !entry.CreatedAt.Equal(wantTime) {
		t.Fatalf("created at = %v, want %v", entry.CreatedAt, wantTime)
	}
}

func TestClassifyControlEnvelopes(t *testing.T) {
	for _, frame := range []string{
		`{"type":"new_conversation","conversation_id":"c1","message":"New conversation started."}`,
		`{"type":"connection_ready","message":"Connected!"}`,
		`{"type":"audio_started","message":"Recording started."}`,
	} {
		if _, err := Classify(mustDecode(t, frame)); !errors.Is(err, ErrControlEnvelope) {
			t.Fatalf("Classify(%s) err = %v, want ErrControlEnvelope", frame, err)
		}
	}
}

func TestClassifyUnknownType(t *testing.T) {
	_, err := Classify(mustDecode(t, `{"type":"typing_indicator"}`))
	if !errors.Is(err, ErrUnrecognizedEnvelope) {
		t.Fatalf("err = %v, want ErrUnrecognizedEnvelope", err)
	}

	_, err = Classify(mustDecode(t, `{"content":"no type"}`))
	if !errors.Is(err, ErrUnrecognizedEnvelope) {
		t.Fatalf("missing type err = %v, want ErrUnrecognizedEnvelope", err)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for _, frame := range []string{`{not json`, `"just a string"`, `{"type":42}`, ``} {
		if _, err := DecodeEnvelope([]byte(frame)); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("DecodeEnvelope(%q) err = %v, want ErrMalformedEnvelope", frame, err)
		}
	}
}

func TestExtractURLsTrimsTrailingPunctuation(t *testing.T) {
	got := ExtractURLs(`['https://a.test/x.png', 'https://b.test/y.png'] and (see http://c.test/z).`)
	want := []string{"https://a.test/x.png", "https://b.test/y.png", "http://c.test/z"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractURLs = %v, want %v", got, want)
	}

	if urls := ExtractURLs("nothing to see"); urls != nil {
		t.Fatalf("expected nil, got %v", urls)
	}
}

func TestExtractURLsKeepsBalancedBrackets(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"see https://en.wikipedia.org/wiki/Go_(language) now", []string{"https://en.wikipedia.org/wiki/Go_(language)"}},
		{"(https://en.wikipedia.org/wiki/Go_(language))", []string{"https://en.wikipedia.org/wiki/Go_(language)"}},
		{"https://img.test/a[1].png, next", []string{"https://img.test/a[1].png"}},
		{"[link](https://x.test/p.png).", []string{"https://x.test/p.png"}},
	}
	for _, tc := range cases {
		if got := ExtractURLs(tc.text); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ExtractURLs(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
