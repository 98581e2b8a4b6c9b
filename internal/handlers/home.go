package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
)

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message
}

// HandleHome renders the chat list and, when the "chat_id" query parameter names a chat, its
// messages. An assistant message that is still streaming is rendered in the streaming state, so the
// page subscribes to its updates.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentChatID := r.URL.Query().Get("chat_id")

	data := homePageData{
		Chats:         make([]chat, len(chats)),
		CurrentChatID: currentChatID,
	}
	for i, ch := range chats {
		data.Chats[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == currentChatID,
		}
	}

	if currentChatID != "" {
		data.Messages, err = m.chatMessages(r, currentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", currentChatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) chatMessages(r *http.Request, chatID string) ([]message, error) {
	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	running := m.streams.running(chatID)
	msgs := make([]message, len(messages))
	for i, msg := range messages {
		state := streamingStateEnded
		if running && i == len(messages)-1 {
			state = streamingStateStreaming
		}
		msgs[i], err = m.messageView(msg, state)
		if err != nil {
			return nil, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
	}
	return msgs, nil
}
