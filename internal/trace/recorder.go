package trace

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
	"github.com/doncaruana/zwave-switch/internal/logic"
)

// FileRecorder appends decisions to a journal file. It is a logic.Observer
// and is safe for concurrent use.
type FileRecorder struct {
	file    *os.File
	encoder *cbor.Encoder
	now     func() time.Time
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	count  int
}

// NewFileRecorder opens path for appending, creating it if needed.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	return &FileRecorder{
		file:    f,
		encoder: newEncoder(f),
		now:     time.Now,
		log:     logging.For("trace"),
	}, nil
}

// Observe journals one decision. Write failures are logged and dropped.
func (r *FileRecorder) Observe(d logic.Decision) {
	r.Write(FromDecision(r.now(), d))
}

// Write appends a record.
func (r *FileRecorder) Write(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if err := r.encoder.Encode(rec); err != nil {
		r.log.Warn().Err(err).Str("device", rec.Device).Msg("trace write failed")
		return
	}
	r.count++
}

// Count returns the number of records written since opening.
func (r *FileRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close closes the journal. Later writes are ignored.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

var _ logic.Observer = (*FileRecorder)(nil)
