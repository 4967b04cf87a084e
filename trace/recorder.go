package trace

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Recorder receives protocol events.
type Recorder interface {
	Record(ev Event)
}

// Nop discards all events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}

// Writer encodes events to an io.Writer. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	enc     *cbor.Encoder
	attempt uuid.UUID
	err     error

	now func() time.Time
}

var _ Recorder = (*Writer)(nil)

// NewWriter returns a Writer that encodes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: encMode.NewEncoder(w), attempt: uuid.New(), now: time.Now}
}

// Create opens path for appending and returns a Writer on it.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

// NewAttempt starts a new attempt id for the following events.
func (w *Writer) NewAttempt() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempt = uuid.New()
	return w.attempt
}

// Record implements Recorder. Missing timestamps and attempt ids are
// filled in. Encoding errors are kept and returned by Err; tracing never
// interrupts authentication.
func (w *Writer) Record(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.now()
	}
	if ev.Attempt == uuid.Nil {
		ev.Attempt = w.attempt
	}
	w.err = w.enc.Encode(ev)
}

// Err returns the first encoding error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the underlying writer if it is an io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
