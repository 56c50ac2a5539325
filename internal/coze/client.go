package coze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/zhengjr9/coze-gateway/internal/errors"
)

const chatPath = "/open_api/v2/chat"

// Client sends chat requests to the Coze open API.
type Client struct {
	// chatURL is the full URL of the chat endpoint, e.g.
	// "https://api.coze.com/open_api/v2/chat". Callers may pass either a bare
	// host or a full base URL; the scheme and path are normalized here.
	chatURL    string
	httpClient *http.Client
	// streamClient has no timeout; streaming responses are bounded by the
	// request context instead.
	streamClient *http.Client
}

// NewClient constructs a Client for the given API base (host or URL) and
// blocking-call timeout.
func NewClient(apiBase string, timeout time.Duration) *Client {
	base := strings.TrimRight(apiBase, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &Client{
		chatURL:      base + chatPath,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

func (c *Client) newChatRequest(ctx context.Context, token string, req *ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}

// SendBlocking sends a stream=false chat request and returns the parsed
// response. A response with a non-success code is surfaced as
// ErrUpstreamResponse so the caller can map it to a gateway error.
func (c *Client) SendBlocking(ctx context.Context, token string, req *ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	httpReq, err := c.newChatRequest(ctx, token, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("coze %d: %s", resp.StatusCode, string(raw))
	}

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Code != 0 || result.Msg != "success" {
		msg := result.Msg
		if msg == "" {
			msg = "unexpected response from Coze API"
		}
		return nil, fmt.Errorf("%w: %s", apierrors.ErrUpstreamResponse, msg)
	}
	return &result, nil
}

// SendStreaming sends a stream=true chat request and returns a channel of
// reassembled StreamEvents. The HTTP response body is closed when the channel
// producer stops, whether the stream ended or the context was cancelled.
func (c *Client) SendStreaming(ctx context.Context, token string, req *ChatRequest) (<-chan StreamEvent, error) {
	req.Stream = true
	httpReq, err := c.newChatRequest(ctx, token, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coze request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("coze %d: %s", resp.StatusCode, string(raw))
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		for ev := range ReadStream(ctx, resp.Body) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
