package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/MegaGrindStone/jaychat/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID          string
	Role        string
	Content     template.HTML
	Attachments []models.Attachment
	Timestamp   time.Time

	StreamingState string
}

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

// Notices shown in place of an assistant message whose stream failed.
const (
	connectionLostNotice = "Error connecting to the backend."
	malformedNotice      = "Received an invalid response from the backend."
)

// messagePatcher applies appended text to the conversation, then persists the message and pushes
// the re-rendered message to the browser.
type messagePatcher struct {
	m    Main
	conv *models.Conversation
}

// HandleChats processes chat interactions through HTTP POST requests. It accepts the user's prompt
// through the "message" form field, an optional "chat_id" and any number of "attachment" paths,
// each followed by its "attachment_size" in bytes as reported by the browser.
//
// If no chat_id is provided, it creates a new chat titled after the prompt. Any response still
// streaming into the chat is cancelled first, and the handler waits for it to stop before adding
// the user's message and an empty assistant message. The response is then streamed into the
// assistant message in the background, and updates reach the browser through Server-Sent Events.
//
// For new chats it renders the complete chatbox template, for existing chats only the two new
// messages.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	msg := r.PostFormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var err error

	chatID := r.PostFormValue("chat_id")
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(r.Context(), msg)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	} else if _, err := m.store.Messages(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to continue chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	// Cancels and awaits the previous stream of this chat, so the message below has one writer.
	ctx, finish := m.streams.start(chatID)
	started := false
	defer func() {
		if !started {
			finish()
		}
	}()

	um := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleHuman,
		Text:        msg,
		Attachments: formAttachments(r.PostForm["attachment"], r.PostForm["attachment_size"]),
		Timestamp:   time.Now(),
	}
	um.ID, err = m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The assistant message starts empty and grows as the response streams in.
	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	am.ID, err = m.store.AddMessage(r.Context(), chatID, am)
	if err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conv, err := models.NewConversation(chatID, messages)
	if err != nil {
		m.logger.Error("Failed to load conversation",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	started = true
	go m.chat(ctx, finish, conv, am.ID, msg)

	if isNewChat {
		msgs := make([]message, 0, len(messages))
		for _, mm := range messages {
			state := streamingStateEnded
			if mm.ID == am.ID {
				state = streamingStateLoading
			}
			vm, err := m.messageView(mm, state)
			if err != nil {
				m.logger.Error("Failed to render message",
					slog.String("message", fmt.Sprintf("%+v", mm)),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			msgs = append(msgs, vm)
		}

		data := homePageData{
			CurrentChatID: chatID,
			Messages:      msgs,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	for _, pending := range []struct {
		msg   models.Message
		state string
	}{
		{msg: um, state: streamingStateEnded},
		{msg: am, state: streamingStateLoading},
	} {
		vm, err := m.messageView(pending.msg, pending.state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := m.templates.ExecuteTemplate(w, "message", vm); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// HandleCancel stops the response currently streaming into the chat given by the "chat_id" form
// field. The partial text received so far is kept. It answers 204 when a stream was stopped and
// 404 when the chat had none.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	if !m.streams.cancel(chatID) {
		http.Error(w, "No response in progress", http.StatusNotFound)
		return
	}

	m.logger.Info("Stream cancelled by user", slog.String("chatID", chatID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessage renders a single message of a chat. Browsers fetch it when their SSE connection
// opens, so updates published before they subscribed are not lost.
func (m Main) HandleMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	messageID := r.URL.Query().Get("message_id")

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	for _, msg := range messages {
		if msg.ID != messageID {
			continue
		}
		state := streamingStateEnded
		if msg.Role == models.RoleAssistant && m.streams.running(chatID) {
			state = streamingStateStreaming
		}
		vm, err := m.messageView(msg, state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := m.templates.ExecuteTemplate(w, "message", vm); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	http.Error(w, "Message not found", http.StatusNotFound)
}

// formAttachments pairs each attachment path with the size the browser reported for it. The
// server never touches the files; a missing or invalid size is left at zero.
func formAttachments(paths, sizes []string) []models.Attachment {
	var attachments []models.Attachment
	for i, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		a := models.Attachment{
			Name: filepath.Base(p),
			Path: p,
		}
		if i < len(sizes) {
			if size, err := strconv.ParseInt(sizes[i], 10, 64); err == nil && size >= 0 {
				a.Size = size
			}
		}
		attachments = append(attachments, a)
	}
	return attachments
}

func (m Main) newChat(ctx context.Context, prompt string) (string, error) {
	newChat := models.Chat{
		ID:    uuid.New().String(),
		Title: models.TitleFromPrompt(prompt),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	divs, err := m.chatDivs(newChatID)
	if err != nil {
		return "", fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish chats: %w", err)
	}

	return newChatID, nil
}

// chat streams the backend's answer to prompt into the assistant message aiMsgID of conv. It runs
// in its own goroutine and calls finish when done.
func (m Main) chat(ctx context.Context, finish func(), conv *models.Conversation, aiMsgID, prompt string) {
	defer finish()

	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(aiMsgID))
	}()

	logger := m.logger.With(
		slog.String("chatID", conv.ChatID()),
		slog.String("messageID", aiMsgID))

	status := stream.StatusFailed
	body, err := m.backend.Stream(ctx, prompt)
	switch {
	case err == nil:
		status, err = stream.Reduce(ctx, body, aiMsgID, messagePatcher{m: m, conv: conv})
	case ctx.Err() != nil:
		status, err = stream.StatusCancelled, nil
	}

	switch status {
	case stream.StatusCompleted:
		logger.Debug("Stream completed")
	case stream.StatusCancelled:
		logger.Info("Stream cancelled")
	case stream.StatusFailed:
		logger.Error("Stream failed", slog.String(errLoggerKey, err.Error()))
		if err := conv.SetText(aiMsgID, failureNotice(err)); err != nil {
			logger.Error("Failed to set failure notice", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	if err := m.publishMessage(conv, aiMsgID, streamingStateEnded); err != nil {
		logger.Error("Failed to publish final message", slog.String(errLoggerKey, err.Error()))
	}
}

// failureNotice is the text that replaces an assistant message whose stream failed.
func failureNotice(err error) string {
	var backendErr *stream.BackendError
	switch {
	case errors.As(err, &backendErr):
		return backendErr.Reason
	case errors.Is(err, stream.ErrMalformedRecord):
		return malformedNotice
	default:
		return connectionLostNotice
	}
}

func (p messagePatcher) AppendText(messageID, text string) error {
	if err := p.conv.AppendText(messageID, text); err != nil {
		return err
	}
	return p.m.publishMessage(p.conv, messageID, streamingStateStreaming)
}

// publishMessage persists the current state of messageID and pushes its rendered content to the
// browsers subscribed to it.
func (m Main) publishMessage(conv *models.Conversation, messageID, state string) error {
	msg, ok := conv.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, messageID)
	}

	// The stream's context may already be cancelled; the partial text is still saved.
	if err := m.store.UpdateMessage(context.Background(), conv.ChatID(), msg); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	vm, err := m.messageView(msg, state)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	e := sse.Message{
		Type: messagesSSEType,
	}
	e.AppendData(string(vm.Content))
	if err := m.sseSrv.Publish(&e, messageIDTopic(messageID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (m Main) messageView(msg models.Message, state string) (message, error) {
	content, err := m.renderText(msg)
	if err != nil {
		return message{}, err
	}
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Attachments:    msg.Attachments,
		Timestamp:      msg.Timestamp,
		StreamingState: state,
	}, nil
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
