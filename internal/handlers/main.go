package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/jaychat"
	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Backend opens a response stream for a prompt. The returned body carries newline-delimited JSON
// records and must be closed by the caller.
type Backend interface {
	Stream(ctx context.Context, prompt string) (io.ReadCloser, error)
}

// Store defines the interface for managing chat and message persistence. Chats are only created and
// listed here; their messages are appended and then updated in place while a response streams.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the backend and Store components.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	backend Backend
	store   Store
	streams *streams

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance with the provided Backend and Store implementations. It
// initializes the SSE server and parses the HTML templates from the embedded filesystem. Browsers
// subscribe to the chats topic by default and to a message topic when they pass message_id.
func NewMain(backend Backend, store Store, logger *slog.Logger) (Main, error) {
	// Templates are split into layout, pages and partial views.
	tmpl, err := template.ParseFS(
		jaychat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				if messageID := s.Req.URL.Query().Get("message_id"); messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		markdown:  newMarkdown(),
		backend:   backend,
		store:     store,
		streams:   newStreams(),
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// RegisterRoutes mounts every UI route on r.
func (m Main) RegisterRoutes(r chi.Router) {
	r.Get("/", m.HandleHome)
	r.Post("/chats", m.HandleChats)
	r.Post("/chats/cancel", m.HandleCancel)
	r.Get("/message", m.HandleMessage)
	r.Get("/sse/messages", m.HandleSSE)
	r.Get("/sse/chats", m.HandleSSE)
}

// HandleSSE subscribes the browser to server-sent events.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown cancels every in-flight response stream and waits for them to stop, then tells the
// connected browsers to close and shuts the SSE server down, forcing remaining connections closed
// after 5 seconds.
func (m Main) Shutdown(ctx context.Context) error {
	m.streams.shutdown()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE requires data on every event.
	e.AppendData("bye")

	// Publishing only fails once the server is already shut down.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
