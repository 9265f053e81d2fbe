// Package openai exposes the OpenAI-compatible chat completion surface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/larkbridge/larkbridge/internal/domain"
)

// conversationHeader carries an existing upstream conversation id when
// the caller wants to continue one instead of starting fresh.
const conversationHeader = "X-Conversation-Id"

// Completer runs completions against the upstream service.
type Completer interface {
	Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionObject, error)
	Stream(ctx context.Context, req *domain.CompletionRequest) <-chan domain.CompletionChunk
}

// Handler translates OpenAI chat completion requests.
type Handler struct {
	completer Completer
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(completer Completer, logger *slog.Logger) *Handler {
	return &Handler{completer: completer, logger: logger}
}

// errorResponse is the OpenAI error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// HandleChatCompletion serves POST /v1/chat/completions.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	credential, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing bearer token")
		return
	}

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	req.Credential = credential
	req.ConversationID = r.Header.Get(conversationHeader)

	if req.Stream {
		h.handleStream(w, r, &req)
		return
	}

	obj, err := h.completer.Complete(r.Context(), &req)
	if err != nil {
		h.logger.Error("completion failed",
			slog.String("model", req.Model),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()))
		writeError(w, domain.HTTPStatusCode(err), "upstream_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(obj)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *domain.CompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range h.completer.Stream(r.Context(), req) {
		data, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("failed to encode chunk", slog.String("error", err.Error()))
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errorDetail{
		Message: message,
		Type:    errType,
	}})
}
