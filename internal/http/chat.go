package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/bookbot/internal/pipeline"
)

// Chatter runs the synchronous chat path.
type Chatter interface {
	Chat(ctx context.Context, phone, message string) (pipeline.ChatResult, error)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message"`
	Phone   string `json:"phone"`
}

// ChatHandler answers a message synchronously without SMS delivery.
type ChatHandler struct {
	chat  Chatter
	token string
}

func NewChatHandler(c Chatter, token string) *ChatHandler {
	return &ChatHandler{chat: c, token: token}
}

// RegisterRoutes mounts the chat endpoint behind the gateway token.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.With(requireToken(h.token)).Post("/v1/chat", h.ServeHTTP)
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.Phone) == "" {
		writeError(w, http.StatusBadRequest, "message and phone are required")
		return
	}

	res, err := h.chat.Chat(r.Context(), req.Phone, req.Message)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
