// Package csv reads and writes pipeline artifacts as CSV files.
package csv

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/hed1ad/leakguard/pkg/billing"
)

// Reader decodes typed rows from a CSV artifact.
type Reader struct {
	file     *os.File
	reader   *csv.Reader
	decoder  *csvutil.Decoder
	headers  []string
	artifact string
	required []string
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithRequired lists columns that must be present in the header.
func WithRequired(cols ...string) Option {
	return func(r *Reader) {
		r.required = cols
	}
}

// WithArtifact names the artifact in schema errors.
func WithArtifact(name string) Option {
	return func(r *Reader) {
		r.artifact = name
	}
}

// NewReader opens filename and validates its header.
// A missing file yields *billing.InputMissingError and absent required
// columns yield *billing.SchemaError.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &billing.InputMissingError{Path: filename}
		}
		return nil, eris.Wrapf(err, "csv: open %s", filename)
	}

	r := &Reader{
		file:     file,
		reader:   csv.NewReader(file),
		artifact: filepath.Base(filename),
	}
	r.reader.FieldsPerRecord = -1

	for _, opt := range opts {
		opt(r)
	}

	raw, err := r.reader.Read()
	switch {
	case errors.Is(err, io.EOF):
		// Empty file: no header, no rows.
	case err != nil:
		file.Close()
		return nil, eris.Wrapf(err, "csv: read header %s", filename)
	default:
		// The decoder maps fields by the trimmed names so a padded header
		// still binds its column.
		r.headers = trimAll(raw)
		dec, err := csvutil.NewDecoder(r.reader, r.headers...)
		if err != nil {
			file.Close()
			return nil, eris.Wrapf(err, "csv: header %s", filename)
		}
		r.decoder = dec
	}

	if err := billing.RequireColumns(r.artifact, r.headers, r.required); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// HasColumn reports whether the header carries name.
func (r *Reader) HasColumn(name string) bool {
	for _, h := range r.headers {
		if h == name {
			return true
		}
	}
	return false
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Decode reads every remaining row into a slice of T.
func Decode[T any](r *Reader) ([]T, error) {
	var rows []T
	if r.decoder == nil {
		return rows, nil
	}

	for {
		var row T
		err := r.decoder.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: decode %s row %d", r.artifact, len(rows)+1)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// Read opens filename, validates it and decodes every row.
// The header is returned so callers can test for optional columns.
func Read[T any](filename string, opts ...Option) ([]T, []string, error) {
	r, err := NewReader(filename, opts...)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	rows, err := Decode[T](r)
	if err != nil {
		return nil, nil, err
	}
	return rows, r.Headers(), nil
}

// Frame is an untyped table: a header and string cells.
type Frame struct {
	Header  []string
	Records [][]string
}

// Column returns the index of name in the header, or -1.
func (f *Frame) Column(name string) int {
	for i, h := range f.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// ReadFrame reads filename without decoding cells.
func ReadFrame(filename string, opts ...Option) (*Frame, error) {
	r, err := NewReader(filename, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	frame := &Frame{Header: r.Headers()}
	if r.decoder == nil {
		return frame, nil
	}

	for {
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read %s", filename)
		}
		frame.Records = append(frame.Records, record)
	}

	return frame, nil
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
