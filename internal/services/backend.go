package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/jaychat/internal/stream"
)

// Backend is the HTTP client of the local chat backend. It sends a prompt and hands back the
// response body, a stream of newline-delimited JSON records, for stream.Reduce to consume.
type Backend struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type backendChatRequest struct {
	Prompt string `json:"prompt"`
}

const errorBodyLimit = 512

// NewBackend creates a Backend posting to endpoint, the full URL of the streaming chat route (for
// example http://127.0.0.1:8000/chat/stream). The client has no overall timeout, since responses
// are open-ended streams; bound them with the context passed to Stream.
func NewBackend(endpoint string, logger *slog.Logger) Backend {
	return Backend{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "backend")),
	}
}

// Stream posts prompt and returns the response body once the backend accepted the request.
// Cancelling ctx aborts the request, which is how the backend is told to stop generating; the
// returned body must be closed by the caller.
//
// Transport failures and non-2xx answers wrap stream.ErrConnectionLost. A cancelled ctx is returned
// as the context error.
func (b Backend) Stream(ctx context.Context, prompt string) (io.ReadCloser, error) {
	body, err := json.Marshal(backendChatRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", stream.ContentType)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", stream.ErrConnectionLost, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		b.logger.Warn("Backend rejected request",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)))
		return nil, fmt.Errorf("%w: unexpected status %d: %s",
			stream.ErrConnectionLost, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	b.logger.Debug("Backend stream opened",
		slog.String("contentType", resp.Header.Get("Content-Type")))

	return resp.Body, nil
}
