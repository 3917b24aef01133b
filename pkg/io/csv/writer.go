package csv

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

// Batch stages artifacts in temporary siblings of their destinations and
// renames them into place on Commit. A stage that writes several artifacts
// either publishes all of them or none.
type Batch struct {
	staged []staged
}

type staged struct {
	tmp string
	dst string
}

// Stage writes one artifact through write into a temporary sibling of filename.
func (b *Batch) Stage(filename string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "csv: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "csv: create temp for %s", filename)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := write(tmp); err != nil {
		return eris.Wrapf(err, "csv: write %s", filename)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "csv: close %s", filename)
	}

	b.staged = append(b.staged, staged{tmp: tmp.Name(), dst: filename})
	return nil
}

// Commit renames every staged artifact into place.
func (b *Batch) Commit() error {
	for i, s := range b.staged {
		if err := os.Rename(s.tmp, s.dst); err != nil {
			b.staged = b.staged[i:]
			b.Abort()
			return eris.Wrapf(err, "csv: rename into %s", s.dst)
		}
	}
	b.staged = nil
	return nil
}

// Abort removes every staged artifact. It is a no-op after Commit.
func (b *Batch) Abort() {
	for _, s := range b.staged {
		os.Remove(s.tmp) //nolint:errcheck
	}
	b.staged = nil
}

// Rows stages rows as a CSV artifact at filename.
func Rows[T any](b *Batch, filename string, rows []T) error {
	return b.Stage(filename, func(out io.Writer) error {
		w := csv.NewWriter(out)
		enc := csvutil.NewEncoder(w)

		if len(rows) == 0 {
			var zero T
			if err := enc.EncodeHeader(zero); err != nil {
				return eris.Wrap(err, "encode header")
			}
		} else if err := enc.Encode(rows); err != nil {
			return eris.Wrap(err, "encode")
		}

		w.Flush()
		return w.Error()
	})
}

// Write encodes rows to filename. The file is written to a temporary sibling
// and renamed into place, so a failed write never leaves partial output.
func Write[T any](filename string, rows []T) error {
	var b Batch
	if err := Rows(&b, filename, rows); err != nil {
		return err
	}
	return b.Commit()
}
