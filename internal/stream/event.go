// Package stream turns a newline-delimited JSON response body into appends against a single open
// message, and writes the same format on the producing side.
//
// Each record on the wire is one JSON object terminated by '\n':
//
//	{"type":"message","data":"<fragment>"}
//	{"type":"end"}
//	{"type":"error","data":"<reason>"}
//
// Blank lines between records are ignored.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the tag of a record.
type Type string

const (
	// TypeMessage carries a text fragment to append to the open message.
	TypeMessage Type = "message"
	// TypeEnd terminates the stream successfully.
	TypeEnd Type = "end"
	// TypeError terminates the stream with a reason supplied by the backend.
	TypeError Type = "error"
)

// Event is one decoded record. Data is the fragment for TypeMessage and the reason for TypeError,
// and is always empty for TypeEnd.
type Event struct {
	Type Type
	Data string
}

// Status reports how a stream terminated.
type Status int

const (
	// StatusCompleted means an end record was received.
	StatusCompleted Status = iota
	// StatusCancelled means the caller cancelled the stream. It is not a failure.
	StatusCancelled
	// StatusFailed means the stream stopped on an error; Reduce returns it alongside.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrConnectionLost reports a transport-level failure while reading the stream, including the
	// body ending before an end record arrived.
	ErrConnectionLost = errors.New("connection lost")
	// ErrMalformedRecord reports a line that is not valid JSON or lacks a recognized type.
	ErrMalformedRecord = errors.New("malformed record")
)

// BackendError is an explicit error record sent by the backend.
type BackendError struct {
	Reason string
}

func (e *BackendError) Error() string {
	return e.Reason
}

type record struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func parseRecord(n int, line []byte) (Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, fmt.Errorf("%w: record %d: %w", ErrMalformedRecord, n, err)
	}

	switch rec.Type {
	case TypeEnd:
		return Event{Type: TypeEnd}, nil
	case TypeMessage, TypeError:
		var data string
		if len(rec.Data) > 0 {
			if err := json.Unmarshal(rec.Data, &data); err != nil {
				return Event{}, fmt.Errorf("%w: record %d: %s data: %w", ErrMalformedRecord, n, rec.Type, err)
			}
		}
		return Event{Type: rec.Type, Data: data}, nil
	case "":
		return Event{}, fmt.Errorf("%w: record %d: missing type", ErrMalformedRecord, n)
	default:
		return Event{}, fmt.Errorf("%w: record %d: unknown type %q", ErrMalformedRecord, n, rec.Type)
	}
}
