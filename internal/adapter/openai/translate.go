package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhengjr9/coze-gateway/internal/coze"
	apierrors "github.com/zhengjr9/coze-gateway/internal/errors"
	"github.com/zhengjr9/coze-gateway/internal/httputil"
)

const (
	// defaultUser is sent upstream when the caller omits the user field.
	defaultUser = "apiuser"
	// systemFingerprint is a fixed value carried over to the completion response.
	systemFingerprint = "fp_2f57f81c11"
	streamErrorType   = "stream_error"
)

// ToCozeRequest converts an OpenAI chat completions request to a Coze
// ChatRequest. The last message becomes the query; everything before it is
// sent as chat history. The bot id is resolved from the model mapping, falling
// back to the default bot; when neither resolves the request is rejected
// rather than forwarded with an empty bot id.
func ToCozeRequest(req *ChatCompletionRequest, bots map[string]string, defaultBot string) (*coze.ChatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", apierrors.ErrMalformedRequest)
	}

	botID := defaultBot
	if req.Model != "" {
		if mapped, ok := bots[req.Model]; ok && mapped != "" {
			botID = mapped
		}
	}
	if botID == "" {
		return nil, fmt.Errorf("%w %q", apierrors.ErrUnresolvedModel, req.Model)
	}

	user := req.User
	if user == "" {
		user = defaultUser
	}

	last := req.Messages[len(req.Messages)-1]
	history := make([]coze.HistoryMessage, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, coze.HistoryMessage{
			Role:        m.Role,
			Content:     m.Content,
			ContentType: "text",
		})
	}

	return &coze.ChatRequest{
		Query:          last.Content,
		Stream:         req.Stream,
		ConversationID: "",
		User:           user,
		BotID:          botID,
		ChatHistory:    history,
	}, nil
}

// WriteBlockingResponse encodes a Coze blocking response as an OpenAI
// ChatCompletionResponse. The answer is the first assistant message of type
// "answer"; a response without one is an upstream error.
//
// Usage is a fixed placeholder, not a real token count: Coze does not report
// usage, and the original gateway hardcoded these values.
func WriteBlockingResponse(w http.ResponseWriter, resp *coze.ChatResponse, model string) error {
	var answer *coze.Message
	for i := range resp.Messages {
		m := &resp.Messages[i]
		if m.Role == "assistant" && m.Type == "answer" {
			answer = m
			break
		}
	}
	if answer == nil {
		return fmt.Errorf("%w: no answer message found", apierrors.ErrUpstreamResponse)
	}

	out := ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      Message{Role: "assistant", Content: strings.TrimSpace(answer.Content)},
				Logprobs:     nil,
				FinishReason: "stop",
			},
		},
		Usage:             Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
		SystemFingerprint: systemFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

// WriteStreamingResponse re-emits Coze stream events as OpenAI SSE chunks.
// Answer deltas become content chunks; "done" becomes a stop chunk; "ping" is
// absorbed; a parsed error event or a transport failure becomes an in-band
// error frame. Every path ends with the literal "data: [DONE]" line so the
// client never sees a silently truncated stream.
func WriteStreamingResponse(fw *httputil.FlushWriter, stream <-chan coze.StreamEvent, model string) error {
	for ev := range stream {
		switch {
		case ev.Err != nil:
			return writeStreamError(fw, "Stream processing error")

		case ev.Event == coze.EventPing:
			// Upstream keep-alive; never forwarded.

		case ev.Event == coze.EventDone:
			return writeStreamStop(fw, model)

		case ev.Event == coze.EventError:
			msg := fmt.Sprintf("%d %s", ev.Code, ev.Msg)
			if ev.ErrorInformation != nil && ev.ErrorInformation.ErrMsg != "" {
				msg = ev.ErrorInformation.ErrMsg
			}
			return writeStreamError(fw, msg)

		case ev.IsAnswer():
			// Empty-content answers are upstream heartbeats; drop them.
			if ev.Message.Content == "" {
				continue
			}
			chunk := StreamChunk{
				ID:      completionID(),
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []StreamChoice{
					{Index: 0, Delta: Delta{Content: ev.Message.Content}},
				},
			}
			if err := writeSSE(fw, chunk); err != nil {
				return err
			}
		}
	}
	// Upstream closed without a done event; terminate the stream cleanly
	// anyway so the client still gets a finish_reason and [DONE].
	return writeStreamStop(fw, model)
}

// writeStreamStop emits the terminal stop chunk followed by [DONE].
func writeStreamStop(fw *httputil.FlushWriter, model string) error {
	stop := "stop"
	chunk := StreamChunk{
		ID:      completionID(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []StreamChoice{
			{Index: 0, Delta: Delta{}, FinishReason: &stop},
		},
	}
	if err := writeSSE(fw, chunk); err != nil {
		return err
	}
	return writeDone(fw)
}

// writeStreamError emits an in-band error frame followed by [DONE].
func writeStreamError(fw *httputil.FlushWriter, message string) error {
	frame := StreamError{Error: StreamErrorDetail{Message: message, Type: streamErrorType}}
	if err := writeSSE(fw, frame); err != nil {
		return err
	}
	return writeDone(fw)
}

func writeSSE(fw *httputil.FlushWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(fw, "data: %s\n\n", data); err != nil {
		return err
	}
	fw.Flush()
	return nil
}

func writeDone(fw *httputil.FlushWriter) error {
	_, err := fmt.Fprint(fw, "data: [DONE]\n\n")
	fw.Flush()
	return err
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}
