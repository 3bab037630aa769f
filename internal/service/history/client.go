// Package history fetches the authoritative transcript of an assigned
// conversation from the chat backend.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// ErrFetchFailed wraps every failure to obtain a usable transcript.
var ErrFetchFailed = errors.New("transcript fetch failed")

// AuthCookieName is the credential cookie the backend reads.
const AuthCookieName = "auth_token"

// Fetcher loads the backend's transcript for a conversation id.
type Fetcher interface {
	Fetch(ctx context.Context, conversationID string) ([]chat.Entry, error)
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Path      string
	AuthToken string
	Timeout   time.Duration
}

// Client implements Fetcher over HTTP.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

// NewClient builds a history client for GET {BaseURL}{Path}/{id}.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	path := "/" + strings.Trim(opts.Path, "/")
	if path == "/" {
		path = "/conversations"
	}
	return &Client{
		endpoint:   strings.TrimRight(opts.BaseURL, "/") + path,
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type historyResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []json.RawMessage `json:"messages"`
}

// Fetch returns the classified transcript. Any non-success status or body that
// is not the expected JSON fails with ErrFetchFailed; callers treat that as no
// messages. Individual messages that cannot be classified are skipped.
func (c *Client) Fetch(ctx context.Context, conversationID string) ([]chat.Entry, error) {
	endpoint := c.endpoint + "/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: c.authToken})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var payload historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrFetchFailed, err)
	}

	entries := make([]chat.Entry, 0, len(payload.Messages))
	for i, raw := range payload.Messages {
		env, err := chat.DecodeEnvelope(raw)
		if err != nil {
			log.Warn().Str("component", "history").Str("conversation_id", conversationID).Int("index", i).Err(err).Msg("skipping history message")
			continue
		}
		entry, err := chat.Classify(env)
		if err != nil {
			log.Debug().Str("component", "history").Str("conversation_id", conversationID).Int("index", i).Err(err).Msg("skipping history message")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
