package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// ContentType is the media type of a record stream.
const ContentType = "application/x-ndjson"

type outRecord struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
}

type flusher interface {
	Flush()
}

// Encoder writes records to w, one JSON object per line. If w has a Flush method (as
// http.ResponseWriter usually does) it is called after every record.
type Encoder struct {
	w   io.Writer
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{w: w, enc: enc}
}

// Message writes a message record carrying data.
func (e *Encoder) Message(data string) error {
	return e.write(outRecord{Type: TypeMessage, Data: data})
}

// End writes the terminating end record.
func (e *Encoder) End() error {
	return e.write(outRecord{Type: TypeEnd, Data: "Stream ended"})
}

// Error writes an error record with the given reason.
func (e *Encoder) Error(reason string) error {
	return e.write(outRecord{Type: TypeError, Data: reason})
}

func (e *Encoder) write(rec outRecord) error {
	// json.Encoder terminates every value with '\n'.
	if err := e.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write %s record: %w", rec.Type, err)
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}
