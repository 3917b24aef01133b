package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullFloatUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want NullFloat
	}{
		{name: "number", in: "12.5", want: NullFloat{Value: 12.5, Valid: true}},
		{name: "padded", in: "  3 ", want: NullFloat{Value: 3, Valid: true}},
		{name: "empty", in: "", want: NullFloat{}},
		{name: "nan", in: "NaN", want: NullFloat{}},
		{name: "garbage", in: "twelve", want: NullFloat{Malformed: true}},
		{name: "inf", in: "inf", want: NullFloat{Malformed: true}},
		{name: "negative infinity", in: "-Infinity", want: NullFloat{Malformed: true}},
		{name: "overflow", in: "1e400", want: NullFloat{Malformed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n NullFloat
			require.NoError(t, n.UnmarshalCSV([]byte(tt.in)))
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestNullFloatMarshal(t *testing.T) {
	b, err := Float(1234.5).MarshalCSV()
	require.NoError(t, err)
	assert.Equal(t, "1234.5", string(b))

	b, err = NullFloat{}.MarshalCSV()
	require.NoError(t, err)
	assert.Empty(t, b)

	assert.Equal(t, 7.0, NullFloat{}.Or(7))
	assert.Equal(t, 2.0, Float(2).Or(7))
}

func TestFlagUnmarshal(t *testing.T) {
	for in, want := range map[string]bool{
		"True": true, "false": false, "1": true, "0.0": false, "": false, "2": true,
	} {
		var f Flag
		require.NoError(t, f.UnmarshalCSV([]byte(in)), in)
		assert.Equal(t, want, bool(f), in)
	}

	var f Flag
	assert.Error(t, f.UnmarshalCSV([]byte("maybe")))
}

func TestRequireColumns(t *testing.T) {
	err := RequireColumns("features", []string{"invoice_id", "quantity"}, []string{"invoice_id", "unit_price", "quantity", "usage_ratio"})
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"unit_price", "usage_ratio"}, schemaErr.Missing)
	assert.Contains(t, err.Error(), "unit_price, usage_ratio")

	assert.NoError(t, RequireColumns("features", []string{" invoice_id "}, []string{"invoice_id"}))
}

func TestFeatureVectorLookup(t *testing.T) {
	v := FeatureVector{UsageRatio: 0.8, PricingMissing: 1}
	assert.Len(t, v.Values(), len(FeatureColumns))

	got, ok := v.Lookup("usage_ratio")
	require.True(t, ok)
	assert.Equal(t, 0.8, got)

	got, ok = v.Lookup("pricing_missing")
	require.True(t, ok)
	assert.Equal(t, 1.0, got)

	_, ok = v.Lookup("invoice_id")
	assert.False(t, ok)
}
