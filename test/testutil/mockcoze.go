package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
)

// MockCoze is an httptest.Server that simulates the Coze open API: the OAuth
// token endpoint and the /open_api/v2/chat endpoint in both modes.
type MockCoze struct {
	Server *httptest.Server

	// Configurable response fields
	Answer      string
	AccessToken string
	ExpiresIn   int64

	// FailToken makes the token endpoint return 500.
	FailToken bool
	// StreamError makes the streaming chat response end with an error event
	// instead of done.
	StreamError *ErrorEvent
	// EmptyAnswerChunks prepends this many empty-content answer events to the
	// stream (upstream heartbeats).
	EmptyAnswerChunks int

	// TokenCalls counts exchange requests.
	TokenCalls atomic.Int64
	// LastChatRequest captures the most recent chat request body parsed.
	LastChatRequest map[string]any
	// LastAssertion captures the bearer assertion sent to the token endpoint.
	LastAssertion string
}

// ErrorEvent configures a streamed error record.
type ErrorEvent struct {
	Code   int
	Msg    string
	ErrMsg string // error_information.err_msg when non-empty
}

// NewMockCoze creates and starts a mock Coze server.
func NewMockCoze(answer string) *MockCoze {
	m := &MockCoze{
		Answer:      answer,
		AccessToken: "mock-access-token",
		ExpiresIn:   86399,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the mock server.
func (m *MockCoze) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockCoze) URL() string {
	return m.Server.URL
}

func (m *MockCoze) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/permission/oauth2/token" && r.Method == http.MethodPost:
		m.handleToken(w, r)
	case r.URL.Path == "/open_api/v2/chat" && r.Method == http.MethodPost:
		m.handleChat(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockCoze) handleToken(w http.ResponseWriter, r *http.Request) {
	m.TokenCalls.Add(1)
	m.LastAssertion = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	if m.FailToken {
		http.Error(w, "token exchange rejected", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": m.AccessToken,
		"expires_in":   m.ExpiresIn,
	})
}

func (m *MockCoze) handleChat(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.LastChatRequest = body

	if stream, _ := body["stream"].(bool); stream {
		m.writeStreaming(w)
		return
	}
	m.writeBlocking(w)
}

func (m *MockCoze) writeBlocking(w http.ResponseWriter) {
	resp := map[string]any{
		"code":            0,
		"msg":             "success",
		"conversation_id": "",
		"messages": []map[string]any{
			{"role": "assistant", "type": "answer", "content": m.Answer},
			{"role": "assistant", "type": "follow_up", "content": "Anything else?"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockCoze) writeStreaming(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)

	writeEvent := func(ev map[string]any) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if hasFlusher {
			flusher.Flush()
		}
	}

	for i := 0; i < m.EmptyAnswerChunks; i++ {
		writeEvent(map[string]any{
			"event":   "message",
			"message": map[string]any{"role": "assistant", "type": "answer", "content": ""},
		})
	}

	// Split the answer into words for a realistic stream.
	words := strings.Fields(m.Answer)
	if len(words) == 0 {
		words = []string{m.Answer}
	}
	for i, word := range words {
		content := word
		if i > 0 {
			content = " " + word
		}
		writeEvent(map[string]any{
			"event":   "message",
			"message": map[string]any{"role": "assistant", "type": "answer", "content": content},
		})
	}

	if m.StreamError != nil {
		ev := map[string]any{
			"event": "error",
			"code":  m.StreamError.Code,
			"msg":   m.StreamError.Msg,
		}
		if m.StreamError.ErrMsg != "" {
			ev["error_information"] = map[string]any{
				"code":    m.StreamError.Code,
				"err_msg": m.StreamError.ErrMsg,
			}
		}
		writeEvent(ev)
		return
	}

	writeEvent(map[string]any{"event": "done"})
}
