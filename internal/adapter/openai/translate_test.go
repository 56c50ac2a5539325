package openai

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhengjr9/coze-gateway/internal/coze"
	apierrors "github.com/zhengjr9/coze-gateway/internal/errors"
	"github.com/zhengjr9/coze-gateway/internal/httputil"
)

func TestToCozeRequest_ModelResolution(t *testing.T) {
	bots := map[string]string{"gpt-x": "bot123"}
	msgs := []Message{{Role: "user", Content: "hi"}}

	tests := []struct {
		name       string
		model      string
		defaultBot string
		wantBot    string
		wantErr    error
	}{
		{name: "mapped model", model: "gpt-x", defaultBot: "default-bot", wantBot: "bot123"},
		{name: "unmapped model falls back to default", model: "gpt-y", defaultBot: "default-bot", wantBot: "default-bot"},
		{name: "no model falls back to default", model: "", defaultBot: "default-bot", wantBot: "default-bot"},
		{name: "no mapping and no default", model: "gpt-y", defaultBot: "", wantErr: apierrors.ErrUnresolvedModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &ChatCompletionRequest{Model: tt.model, Messages: msgs}
			out, err := ToCozeRequest(req, bots, tt.defaultBot)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.BotID != tt.wantBot {
				t.Errorf("bot id: expected %q, got %q", tt.wantBot, out.BotID)
			}
		})
	}
}

func TestToCozeRequest_EmptyMessages(t *testing.T) {
	_, err := ToCozeRequest(&ChatCompletionRequest{Model: "gpt-x"}, nil, "bot")
	if !errors.Is(err, apierrors.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}

func TestToCozeRequest_HistoryAndQuery(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-x",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "user", Content: "what time is it?"},
		},
	}

	out, err := ToCozeRequest(req, map[string]string{"gpt-x": "bot123"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Query != "what time is it?" {
		t.Errorf("query: got %q", out.Query)
	}
	if len(out.ChatHistory) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(out.ChatHistory))
	}
	for i, h := range out.ChatHistory {
		if h.ContentType != "text" {
			t.Errorf("history %d: content_type = %q", i, h.ContentType)
		}
	}
	if out.ChatHistory[0].Role != "system" || out.ChatHistory[2].Content != "hi there" {
		t.Errorf("history order not preserved: %+v", out.ChatHistory)
	}
	if out.ConversationID != "" {
		t.Errorf("conversation_id must be empty, got %q", out.ConversationID)
	}
	if out.User != "apiuser" {
		t.Errorf("user default: got %q", out.User)
	}
}

func TestWriteBlockingResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	resp := &coze.ChatResponse{
		Code: 0,
		Msg:  "success",
		Messages: []coze.Message{
			{Role: "assistant", Type: "verbose", Content: "thinking..."},
			{Role: "assistant", Type: "answer", Content: "  hello  "},
		},
	}

	if err := WriteBlockingResponse(rec, resp, "gpt-x"); err != nil {
		t.Fatalf("WriteBlockingResponse: %v", err)
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "gpt-x" {
		t.Errorf("envelope: %+v", out)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("id: %q", out.ID)
	}
	choice := out.Choices[0]
	if choice.Message.Content != "hello" {
		t.Errorf("content should be trimmed answer, got %q", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason: %q", choice.FinishReason)
	}
	if out.Usage != (Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110}) {
		t.Errorf("usage: %+v", out.Usage)
	}
}

func TestWriteBlockingResponse_NoAnswer(t *testing.T) {
	rec := httptest.NewRecorder()
	resp := &coze.ChatResponse{
		Code:     0,
		Msg:      "success",
		Messages: []coze.Message{{Role: "assistant", Type: "follow_up", Content: "more?"}},
	}

	err := WriteBlockingResponse(rec, resp, "gpt-x")
	if !errors.Is(err, apierrors.ErrUpstreamResponse) {
		t.Fatalf("expected ErrUpstreamResponse, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("nothing should be written on failure, got %q", rec.Body.String())
	}
}

func streamFrom(events ...coze.StreamEvent) <-chan coze.StreamEvent {
	ch := make(chan coze.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func answerEvent(content string) coze.StreamEvent {
	return coze.StreamEvent{
		Event:   coze.EventMessage,
		Message: &coze.Message{Role: "assistant", Type: "answer", Content: content},
	}
}

// parseFrames splits an SSE body into its data payloads.
func parseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, rest)
		}
	}
	return frames
}

func TestWriteStreamingResponse_ContentThenStop(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := streamFrom(
		answerEvent("A"),
		coze.StreamEvent{Event: coze.EventPing},
		answerEvent("B"),
		coze.StreamEvent{Event: coze.EventDone},
	)

	if err := WriteStreamingResponse(httputil.NewFlushWriter(rec), stream, "gpt-x"); err != nil {
		t.Fatalf("WriteStreamingResponse: %v", err)
	}

	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames (A, B, stop, DONE), got %d: %v", len(frames), frames)
	}
	if frames[3] != "[DONE]" {
		t.Errorf("last frame must be [DONE], got %q", frames[3])
	}

	var contents []string
	for _, f := range frames[:2] {
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(f), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", f, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object: %q", chunk.Object)
		}
		if chunk.Choices[0].FinishReason != nil {
			t.Errorf("content chunk must have null finish_reason")
		}
		contents = append(contents, chunk.Choices[0].Delta.Content)
	}
	if contents[0] != "A" || contents[1] != "B" {
		t.Errorf("delta order: %v", contents)
	}

	var stop StreamChunk
	if err := json.Unmarshal([]byte(frames[2]), &stop); err != nil {
		t.Fatalf("decode stop chunk: %v", err)
	}
	if stop.Choices[0].FinishReason == nil || *stop.Choices[0].FinishReason != "stop" {
		t.Errorf("stop chunk finish_reason: %v", stop.Choices[0].FinishReason)
	}
	if stop.Choices[0].Delta.Content != "" {
		t.Errorf("stop chunk delta must be empty")
	}
}

func TestWriteStreamingResponse_EmptyContentSuppressed(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := streamFrom(
		answerEvent(""),
		answerEvent(""),
		coze.StreamEvent{Event: coze.EventDone},
	)

	if err := WriteStreamingResponse(httputil.NewFlushWriter(rec), stream, "gpt-x"); err != nil {
		t.Fatalf("WriteStreamingResponse: %v", err)
	}

	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 2 {
		t.Fatalf("empty answers must emit nothing: expected stop + DONE only, got %v", frames)
	}
}

func TestWriteStreamingResponse_ErrorEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   coze.StreamEvent
		wantMsg string
	}{
		{
			name: "error_information preferred",
			event: coze.StreamEvent{
				Event:            coze.EventError,
				Code:             700,
				Msg:              "internal",
				ErrorInformation: &coze.ErrorInformation{Code: 700, ErrMsg: "bot unavailable"},
			},
			wantMsg: "bot unavailable",
		},
		{
			name:    "code and msg fallback",
			event:   coze.StreamEvent{Event: coze.EventError, Code: 700, Msg: "internal"},
			wantMsg: "700 internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			stream := streamFrom(answerEvent("partial"), tt.event)

			if err := WriteStreamingResponse(httputil.NewFlushWriter(rec), stream, "gpt-x"); err != nil {
				t.Fatalf("WriteStreamingResponse: %v", err)
			}

			frames := parseFrames(t, rec.Body.String())
			if len(frames) != 3 {
				t.Fatalf("expected partial + error + DONE, got %v", frames)
			}
			var frame StreamError
			if err := json.Unmarshal([]byte(frames[1]), &frame); err != nil {
				t.Fatalf("decode error frame: %v", err)
			}
			if frame.Error.Message != tt.wantMsg {
				t.Errorf("message: expected %q, got %q", tt.wantMsg, frame.Error.Message)
			}
			if frame.Error.Type != "stream_error" {
				t.Errorf("type: %q", frame.Error.Type)
			}
			if frames[2] != "[DONE]" {
				t.Errorf("stream must terminate with [DONE]")
			}
		})
	}
}

func TestWriteStreamingResponse_TransportError(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := streamFrom(coze.StreamEvent{Err: errors.New("read: connection reset")})

	if err := WriteStreamingResponse(httputil.NewFlushWriter(rec), stream, "gpt-x"); err != nil {
		t.Fatalf("WriteStreamingResponse: %v", err)
	}

	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 2 || frames[1] != "[DONE]" {
		t.Fatalf("expected error frame + DONE, got %v", frames)
	}
	var frame StreamError
	if err := json.Unmarshal([]byte(frames[0]), &frame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if frame.Error.Message != "Stream processing error" {
		t.Errorf("message: %q", frame.Error.Message)
	}
}

func TestWriteStreamingResponse_UpstreamCloseWithoutDone(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := streamFrom(answerEvent("A"))

	if err := WriteStreamingResponse(httputil.NewFlushWriter(rec), stream, "gpt-x"); err != nil {
		t.Fatalf("WriteStreamingResponse: %v", err)
	}

	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 3 || frames[2] != "[DONE]" {
		t.Fatalf("stream must still terminate cleanly, got %v", frames)
	}
}
