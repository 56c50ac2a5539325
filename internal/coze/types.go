package coze

// HistoryMessage is one prior turn in the conversation, as Coze expects it.
type HistoryMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"` // always "text"
}

// ChatRequest is sent to POST /open_api/v2/chat.
type ChatRequest struct {
	Query          string           `json:"query"`
	Stream         bool             `json:"stream"`
	ConversationID string           `json:"conversation_id"` // always "" — no session continuity
	User           string           `json:"user"`
	BotID          string           `json:"bot_id"`
	ChatHistory    []HistoryMessage `json:"chat_history"`
}

// Message is a single message in a Coze response, both blocking and streaming.
// Assistant output arrives as role "assistant"; the "type" field distinguishes
// the final answer from intermediate output such as "follow_up" or "verbose".
type Message struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ChatResponse is the full Coze response for stream=false.
type ChatResponse struct {
	Code           int       `json:"code"`
	Msg            string    `json:"msg"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// ErrorInformation carries the detailed error payload of a streamed error event.
type ErrorInformation struct {
	Code   int    `json:"code"`
	ErrMsg string `json:"err_msg"`
}

// StreamEvent is one SSE data record from Coze for stream=true. The Event
// field discriminates the variants: "message", "done", "ping", "error".
type StreamEvent struct {
	Event    string   `json:"event"`
	Message  *Message `json:"message,omitempty"`
	IsFinish bool     `json:"is_finish,omitempty"`
	// Error variant fields
	Code             int               `json:"code,omitempty"`
	Msg              string            `json:"msg,omitempty"`
	ErrorInformation *ErrorInformation `json:"error_information,omitempty"`
	// Err is set when the Go stream reader itself encounters an error.
	Err error `json:"-"`
}

// Event discriminator values.
const (
	EventMessage = "message"
	EventDone    = "done"
	EventPing    = "ping"
	EventError   = "error"
)

// IsAnswer reports whether the event carries final assistant answer content.
func (e StreamEvent) IsAnswer() bool {
	return e.Event == EventMessage && e.Message != nil &&
		e.Message.Role == "assistant" && e.Message.Type == "answer"
}

// TokenResponse is returned by the OAuth token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}
