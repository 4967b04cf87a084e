package trace

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Reader decodes events written by a Writer.
type Reader struct {
	dec     *cbor.Decoder
	attempt uuid.UUID
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Only restricts Next to the events of one attempt.
func (r *Reader) Only(attempt uuid.UUID) {
	r.attempt = attempt
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		if err := r.dec.Decode(&ev); err != nil {
			return Event{}, err
		}
		if r.attempt == uuid.Nil || ev.Attempt == r.attempt {
			return ev, nil
		}
	}
}
