package stream

import (
	"context"
	"fmt"
	"io"
)

// Patcher receives the effects of a stream. Every call appends text to the message with the given
// id; the reducer never calls it concurrently nor after the stream terminated.
type Patcher interface {
	AppendText(messageID, text string) error
}

// PatcherFunc adapts a function to the Patcher interface.
type PatcherFunc func(messageID, text string) error

// AppendText calls f.
func (f PatcherFunc) AppendText(messageID, text string) error {
	return f(messageID, text)
}

// Reduce reads body to completion and applies each message record to messageID through p, in the
// order the records were written. It always closes body.
//
// The returned error is non-nil only with StatusFailed, and is one of ErrConnectionLost,
// ErrMalformedRecord, a *BackendError, or the error returned by p. Cancelling ctx stops the stream
// at the next read or record with StatusCancelled; no append happens after that, and the body is
// closed right away to release a pending read.
func Reduce(ctx context.Context, body io.ReadCloser, messageID string, p Patcher) (Status, error) {
	defer body.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stop()

	if ctx.Err() != nil {
		return StatusCancelled, nil
	}

	for ev, err := range Events(NewTextReader(body)) {
		if ctx.Err() != nil {
			return StatusCancelled, nil
		}
		if err != nil {
			return StatusFailed, err
		}

		switch ev.Type {
		case TypeMessage:
			if ev.Data == "" {
				continue
			}
			if err := p.AppendText(messageID, ev.Data); err != nil {
				return StatusFailed, fmt.Errorf("failed to append to message %s: %w", messageID, err)
			}
		case TypeEnd:
			return StatusCompleted, nil
		case TypeError:
			return StatusFailed, &BackendError{Reason: ev.Data}
		}
	}

	if ctx.Err() != nil {
		return StatusCancelled, nil
	}
	return StatusFailed, fmt.Errorf("%w: stream closed before end record", ErrConnectionLost)
}
