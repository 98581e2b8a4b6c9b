// Package bridge serves the streaming chat route that the UI talks to, turning the output of a
// locally hosted model into newline-delimited JSON records.
package bridge

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/MegaGrindStone/jaychat/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// LLM streams a model's answer to a conversation as text fragments.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Handler serves POST /chat/stream.
type Handler struct {
	llm LLM

	logger *slog.Logger
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

const (
	errLoggerKey = "err"

	maxRequestBytes = 1 << 20
)

// NewHandler returns a Handler answering prompts with llm.
func NewHandler(llm LLM, logger *slog.Logger) Handler {
	return Handler{
		llm:    llm,
		logger: logger.With(slog.String("module", "bridge")),
	}
}

// RegisterRoutes mounts the handler's routes on r.
func (h Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.HandleStream)
}

// HandleStream decodes {"prompt": "..."} and streams the answer as records: one message record per
// fragment, then an end record, or an error record if the model fails midway. The model call is
// bound to the request context, so a client that aborts the request stops generation.
func (h Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	logger := h.logger.With(slog.String("requestID", uuid.NewString()))

	messages := []models.Message{{
		ID:   uuid.NewString(),
		Role: models.RoleHuman,
		Text: req.Prompt,
	}}

	fragments := 0
	for text, err := range h.llm.Chat(r.Context(), messages) {
		if err != nil {
			logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			if err := enc.Error(err.Error()); err != nil {
				logger.Warn("Failed to write error record", slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		if err := enc.Message(text); err != nil {
			logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
		fragments++
	}

	if r.Context().Err() != nil {
		logger.Info("Stream cancelled by client", slog.Int("fragments", fragments))
		return
	}

	if err := enc.End(); err != nil {
		logger.Warn("Failed to write end record", slog.String(errLoggerKey, err.Error()))
		return
	}
	logger.Debug("Stream ended", slog.Int("fragments", fragments))
}
