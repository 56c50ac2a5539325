package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zhengjr9/coze-gateway/internal/coze"
	apierrors "github.com/zhengjr9/coze-gateway/internal/errors"
	"github.com/zhengjr9/coze-gateway/internal/httputil"
)

// Handler implements the OpenAI chat completions endpoint on top of Coze.
type Handler struct {
	client     *coze.Client
	tokens     *coze.TokenSource
	bots       map[string]string
	defaultBot string
	timeout    time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(client *coze.Client, tokens *coze.TokenSource, bots map[string]string, defaultBot string, timeout time.Duration) *Handler {
	return &Handler{
		client:     client,
		tokens:     tokens,
		bots:       bots,
		defaultBot: defaultBot,
		timeout:    timeout,
	}
}

// ServeHTTP handles POST /v1/chat/completions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	cozeReq, err := ToCozeRequest(&req, h.bots, h.defaultBot)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := h.tokens.Token(r.Context())
	if err != nil {
		apierrors.WriteUnauthorized(w)
		return
	}

	if cozeReq.Stream {
		// No per-request deadline: streams run until upstream finishes or the
		// client disconnects. Cancelling on return stops the upstream reader
		// once a downstream write fails.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		stream, err := h.client.SendStreaming(ctx, token, cozeReq)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		httputil.SetSSEHeaders(w)
		fw := httputil.NewFlushWriter(w)
		_ = WriteStreamingResponse(fw, stream, req.Model)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp, err := h.client.SendBlocking(ctx, token, cozeReq)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	if err := WriteBlockingResponse(w, resp, req.Model); err != nil {
		writeUpstreamError(w, err)
	}
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, apierrors.ErrUpstreamResponse):
		apierrors.WriteJSONError(w, http.StatusBadGateway, msg)
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		apierrors.WriteJSONError(w, http.StatusGatewayTimeout, "upstream timeout")
	default:
		apierrors.WriteJSONError(w, http.StatusBadGateway, "upstream error: "+msg)
	}
}
