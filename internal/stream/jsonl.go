// Package stream provides the incremental decoders used when downloading
// origin content: newline-delimited JSON record feeds and zip archives,
// both consumed directly off the network without buffering whole bodies.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"locomote/internal/model"
)

// JSONLReader decodes a stream of newline-delimited JSON file records.
// Records are returned one at a time as complete lines become available;
// a trailing line without a terminating newline is decoded when the
// underlying reader is exhausted.
type JSONLReader struct {
	br   *bufio.Reader
	line int
	err  error
}

// NewJSONLReader wraps r in a record decoder.
func NewJSONLReader(r io.Reader) *JSONLReader {
	return &JSONLReader{br: bufio.NewReader(r)}
}

// Next returns the next record in the stream, or io.EOF when the stream
// is exhausted. Blank lines are skipped. A line that fails to parse is
// fatal; the decoder returns the same error on every subsequent call.
func (d *JSONLReader) Next() (*model.FileRecord, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		line, err := d.br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			d.err = err
			return nil, err
		}
		atEOF := errors.Is(err, io.EOF)
		d.line++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec model.FileRecord
			if uerr := json.Unmarshal(trimmed, &rec); uerr != nil {
				d.err = fmt.Errorf("jsonl: line %d: %w", d.line, uerr)
				return nil, d.err
			}
			return &rec, nil
		}
		if atEOF {
			d.err = io.EOF
			return nil, io.EOF
		}
	}
}

// All drains the stream and returns the remaining records.
func (d *JSONLReader) All() ([]*model.FileRecord, error) {
	var recs []*model.FileRecord
	for {
		rec, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return recs, nil
			}
			return recs, err
		}
		recs = append(recs, rec)
	}
}
