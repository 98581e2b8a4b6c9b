package handlers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/jaychat/internal/handlers"
	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/MegaGrindStone/jaychat/internal/stream"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mu      sync.Mutex
	bodies  []io.ReadCloser
	err     error
	prompts []string
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	err      error
}

func newTestMain(t *testing.T, backend handlers.Backend, store handlers.Store) handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(backend, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = main.Shutdown(context.Background())
	})
	return main
}

func records(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func postForm(h http.HandlerFunc, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()

	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, "timed out waiting for %s", desc)
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{}, &mockStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NoError(t, main.Shutdown(context.Background()))
}

func TestHandleHome(t *testing.T) {
	store := &mockStore{
		chats: []models.Chat{
			{ID: "1", Title: "Test Chat"},
		},
		messages: map[string][]models.Message{
			"1": {
				{ID: "1", Role: models.RoleHuman, Text: "Hello <there>"},
				{ID: "2", Role: models.RoleAssistant, Text: "Some **bold** text"},
			},
		},
	}

	main := newTestMain(t, &mockBackend{}, store)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Test Chat"},
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Hello &lt;there&gt;", "<strong>bold</strong>"},
		},
		{
			name:       "Unknown chat",
			url:        "/?chat_id=2",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			for _, want := range tt.wantBody {
				require.Contains(t, w.Body.String(), want)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	store := &mockStore{
		chats: []models.Chat{{ID: "1", Title: "Existing"}},
		messages: map[string][]models.Message{
			"1": {},
		},
	}
	backend := &mockBackend{}

	main := newTestMain(t, backend, store)

	tests := []struct {
		name       string
		method     string
		values     url.Values
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			values:     url.Values{"message": {"   "}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			values:     url.Values{"message": {"Hello"}, "chat_id": {"404"}},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			values:     url.Values{"message": {"Hello from a new chat"}},
			wantStatus: http.StatusOK,
			wantBody:   "Hello from a new chat",
		},
		{
			name:   "Existing chat with attachment",
			method: http.MethodPost,
			values: url.Values{
				"message":    {"Hello again"},
				"chat_id":    {"1"},
				"attachment": {"/tmp/notes.txt"},
			},
			wantStatus: http.StatusOK,
			wantBody:   "notes.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(tt.values.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			require.Contains(t, w.Body.String(), tt.wantBody)
		})
	}

	chats, err := store.Chats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, "Hello from a new chat", chats[1].Title)
}

func TestHandleChatsAttachmentSizes(t *testing.T) {
	store := &mockStore{messages: map[string][]models.Message{"1": {}}}
	main := newTestMain(t, &mockBackend{}, store)

	w := postForm(main.HandleChats, url.Values{
		"message":         {"Summarize these"},
		"chat_id":         {"1"},
		"attachment":      {"/nonexistent/report.pdf", "notes.txt", "/tmp/data.csv"},
		"attachment_size": {"2048", "-5"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	msgs, err := store.Messages(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, []models.Attachment{
		{Name: "report.pdf", Path: "/nonexistent/report.pdf", Size: 2048},
		{Name: "notes.txt", Path: "notes.txt"},
		{Name: "data.csv", Path: "/tmp/data.csv"},
	}, msgs[0].Attachments)
}

func TestChatStreamOutcome(t *testing.T) {
	tests := []struct {
		name     string
		body     io.ReadCloser
		err      error
		wantText string
	}{
		{
			name: "Completed",
			body: records(
				`{"type":"message","data":"Hello "}`,
				`{"type":"message","data":"world"}`,
				`{"type":"end"}`,
			),
			wantText: "Hello world",
		},
		{
			name: "Backend error shows its reason",
			body: records(
				`{"type":"message","data":"par"}`,
				`{"type":"error","data":"model not found"}`,
			),
			wantText: "model not found",
		},
		{
			name: "Malformed record",
			body: records(
				`{"type":"message","data":"par"}`,
				`not json`,
			),
			wantText: "Received an invalid response from the backend.",
		},
		{
			name:     "Stream closed before end",
			body:     records(`{"type":"message","data":"par"}`),
			wantText: "Error connecting to the backend.",
		},
		{
			name:     "Backend unreachable",
			err:      fmt.Errorf("%w: connection refused", stream.ErrConnectionLost),
			wantText: "Error connecting to the backend.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{messages: map[string][]models.Message{}}
			backend := &mockBackend{err: tt.err}
			if tt.body != nil {
				backend.bodies = []io.ReadCloser{tt.body}
			}
			main := newTestMain(t, backend, store)

			w := postForm(main.HandleChats, url.Values{"message": {"Hi"}})
			require.Equal(t, http.StatusOK, w.Code)

			chatID := store.firstChatID()
			waitFor(t, "assistant text", func() bool {
				return store.lastMessage(chatID).Text == tt.wantText
			})

			require.Equal(t, "Hi", backend.lastPrompt())
		})
	}
}

func TestHandleCancel(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(`{"type":"message","data":"partial"}` + "\n"))
	}()

	store := &mockStore{messages: map[string][]models.Message{}}
	main := newTestMain(t, &mockBackend{bodies: []io.ReadCloser{pr}}, store)

	w := postForm(main.HandleChats, url.Values{"message": {"Hi"}})
	require.Equal(t, http.StatusOK, w.Code)

	chatID := store.firstChatID()
	waitFor(t, "partial text", func() bool {
		return store.lastMessage(chatID).Text == "partial"
	})

	w = postForm(main.HandleCancel, url.Values{"chat_id": {chatID}})
	require.Equal(t, http.StatusNoContent, w.Code)

	// The body was closed, so the producer can no longer write.
	_, err := pw.Write([]byte(`{"type":"end"}` + "\n"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.Equal(t, "partial", store.lastMessage(chatID).Text)

	w = postForm(main.HandleCancel, url.Values{"chat_id": {chatID}})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewPromptCancelsPreviousStream(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(`{"type":"message","data":"first"}` + "\n"))
	}()

	store := &mockStore{messages: map[string][]models.Message{}}
	backend := &mockBackend{bodies: []io.ReadCloser{
		pr,
		records(`{"type":"message","data":"second"}`, `{"type":"end"}`),
	}}
	main := newTestMain(t, backend, store)

	postForm(main.HandleChats, url.Values{"message": {"one"}})
	chatID := store.firstChatID()
	waitFor(t, "first response", func() bool {
		return store.lastMessage(chatID).Text == "first"
	})

	w := postForm(main.HandleChats, url.Values{"message": {"two"}, "chat_id": {chatID}})
	require.Equal(t, http.StatusOK, w.Code)
	waitFor(t, "second response", func() bool {
		return store.lastMessage(chatID).Text == "second"
	})

	msgs, err := store.Messages(context.Background(), chatID)
	require.NoError(t, err)
	got := make([]string, len(msgs))
	for i, msg := range msgs {
		got[i] = msg.Text
	}
	require.Equal(t, []string{"one", "first", "two", "second"}, got)
}

func (b *mockBackend) Stream(_ context.Context, prompt string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prompts = append(b.prompts, prompt)
	if b.err != nil {
		return nil, b.err
	}
	if len(b.bodies) == 0 {
		return records(`{"type":"end"}`), nil
	}
	body := b.bodies[0]
	b.bodies = b.bodies[1:]
	return body, nil
}

func (b *mockBackend) lastPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.prompts) == 0 {
		return ""
	}
	return b.prompts[len(b.prompts)-1]
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	m.chats = append(m.chats, chat)
	m.messages[chat.ID] = nil
	return chat.ID, nil
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	msgs, ok := m.messages[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s not found", chatID)
	}
	return slices.Clone(msgs), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, chatID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	idx := slices.IndexFunc(m.messages[chatID], func(mm models.Message) bool { return mm.ID == msg.ID })
	if idx == -1 {
		return models.ErrMessageNotFound
	}
	m.messages[chatID][idx] = msg
	return nil
}

func (m *mockStore) firstChatID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chats) == 0 {
		return ""
	}
	return m.chats[0].ID
}

func (m *mockStore) lastMessage(chatID string) models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[chatID]
	if len(msgs) == 0 {
		return models.Message{}
	}
	return msgs[len(msgs)-1]
}
