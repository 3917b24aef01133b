package billing

import (
	"fmt"
	"strings"
)

// SchemaError reports required columns absent from an artifact.
// It aborts the stage before any output is written.
type SchemaError struct {
	Artifact string
	Missing  []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: missing required columns: %s", e.Artifact, strings.Join(e.Missing, ", "))
}

// InputMissingError reports a required input file or model that does not exist.
type InputMissingError struct {
	Path string
}

func (e *InputMissingError) Error() string {
	return fmt.Sprintf("missing file: %s", e.Path)
}

// RowMismatchError reports two tables that must be row-aligned but are not.
// It indicates an upstream join fault.
type RowMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *RowMismatchError) Error() string {
	return fmt.Sprintf("row mismatch between %s: want %d rows, got %d", e.What, e.Want, e.Got)
}

// RequireColumns returns a SchemaError listing every name in required that
// is absent from header, or nil.
func RequireColumns(artifact string, header, required []string) error {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := have[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Artifact: artifact, Missing: missing}
	}
	return nil
}
