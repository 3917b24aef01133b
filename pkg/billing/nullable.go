package billing

import (
	"math"
	"strconv"
	"strings"
)

// NullFloat is a numeric cell that may be absent.
// Empty cells and NaN decode as absent. Text that does not parse as a finite
// number also decodes as absent but is marked Malformed so callers can report it.
type NullFloat struct {
	Value     float64
	Valid     bool
	Malformed bool
}

// Float returns a present NullFloat holding v. Non-finite values are absent.
func Float(v float64) NullFloat {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NullFloat{}
	}
	return NullFloat{Value: v, Valid: true}
}

// Or returns the value, or def when absent.
func (n NullFloat) Or(def float64) float64 {
	if !n.Valid {
		return def
	}
	return n.Value
}

// UnmarshalCSV implements csvutil.Unmarshaler.
func (n *NullFloat) UnmarshalCSV(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		*n = NullFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*n = NullFloat{Malformed: true}
		return nil
	}
	*n = NullFloat{Value: v, Valid: true}
	return nil
}

// MarshalCSV implements csvutil.Marshaler. Absent values encode as an empty cell.
func (n NullFloat) MarshalCSV() ([]byte, error) {
	if !n.Valid {
		return []byte{}, nil
	}
	return []byte(strconv.FormatFloat(n.Value, 'f', -1, 64)), nil
}

// Flag is a boolean cell tolerant of the spellings upstream joins produce
// (true/false, True/False, 1/0, 1.0/0.0). Empty decodes as false.
type Flag bool

// UnmarshalCSV implements csvutil.Unmarshaler.
func (f *Flag) UnmarshalCSV(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch strings.ToLower(s) {
	case "", "0", "0.0", "false", "f", "no", "n":
		*f = false
		return nil
	case "1", "1.0", "true", "t", "yes", "y":
		*f = true
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = v != 0
	return nil
}

// MarshalCSV implements csvutil.Marshaler.
func (f Flag) MarshalCSV() ([]byte, error) {
	if f {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// Int returns 1 for true and 0 for false.
func (f Flag) Int() float64 {
	if f {
		return 1
	}
	return 0
}
