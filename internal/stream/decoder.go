package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const readBufferSize = 32 * 1024

// Decoder splits arbitrary byte chunks into records. Bytes after the last '\n' are carried over to
// the next Feed, so a record may be split anywhere, including inside a multi-byte character.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	carry   []byte
	records int
}

// Feed consumes one chunk and returns the records it completed, in order. When a complete record
// is malformed, Feed returns the records that preceded it together with the error; the Decoder
// must not be fed again after that.
func (d *Decoder) Feed(chunk []byte) ([]Event, error) {
	d.carry = append(d.carry, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := d.carry[:i]
		d.carry = d.carry[i+1:]

		ev, ok, err := d.parse(line)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	// Compact so the carry does not pin the whole history of the stream.
	if len(d.carry) == 0 {
		d.carry = d.carry[:0:0]
	} else if cap(d.carry) > 2*len(d.carry)+readBufferSize {
		d.carry = append([]byte(nil), d.carry...)
	}

	return events, nil
}

// Flush parses whatever is left in the carry as a final record. It reports false when the carry is
// blank. Use it only once the input is exhausted.
func (d *Decoder) Flush() (Event, bool, error) {
	line := d.carry
	d.carry = nil
	return d.parse(line)
}

// Carry returns the pending, not yet terminated bytes.
func (d *Decoder) Carry() []byte {
	return d.carry
}

func (d *Decoder) parse(line []byte) (Event, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false, nil
	}
	d.records++
	ev, err := parseRecord(d.records, line)
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// NewTextReader wraps r with a stateful UTF-8 decoder. A leading byte order mark is consumed
// (UTF-16 input announced by one is transcoded) and invalid sequences become U+FFFD.
func NewTextReader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// Events returns an iterator over the records read from r. Reads are the only blocking points.
// Iteration stops after the first error: a read failure is reported as ErrConnectionLost, a bad
// record as ErrMalformedRecord. At EOF the carry is parsed as a final record; when it does not
// parse, the stream was truncated and ErrConnectionLost is reported. Stopping the loop early
// discards the carry.
func Events(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var dec Decoder
		buf := make([]byte, readBufferSize)

		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				events, err := dec.Feed(buf[:n])
				for _, ev := range events {
					if !yield(ev, nil) {
						return
					}
				}
				if err != nil {
					yield(Event{}, err)
					return
				}
			}

			if readErr == nil {
				continue
			}
			if !errors.Is(readErr, io.EOF) {
				yield(Event{}, fmt.Errorf("%w: %w", ErrConnectionLost, readErr))
				return
			}

			// An unterminated line that does not parse was cut off by the transport.
			ev, ok, err := dec.Flush()
			if err != nil {
				yield(Event{}, fmt.Errorf("%w: stream closed mid-record", ErrConnectionLost))
				return
			}
			if ok {
				yield(ev, nil)
			}
			return
		}
	}
}
