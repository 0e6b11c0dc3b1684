package trace

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects records. Empty fields match everything.
type Filter struct {
	Device  string
	Outcome string
}

func (f Filter) matches(r Record) bool {
	if f.Device != "" && r.Device != f.Device {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	return true
}

// Reader streams records from a journal file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens a journal with the given filter.
func NewReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	return &Reader{file: f, decoder: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching record, or io.EOF.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

// Close closes the journal.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Dump writes every matching record in path to w, one per line.
func Dump(w io.Writer, path string, filter Filter) (int, error) {
	r, err := NewReader(path, filter)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read trace: %w", err)
		}
		if _, err := fmt.Fprintln(w, rec.String()); err != nil {
			return n, err
		}
		n++
	}
}
