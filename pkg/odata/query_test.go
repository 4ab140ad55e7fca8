package odata

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name       string
		conditions map[string]any
		want       string
		wantErr    bool
	}{
		{name: "empty", conditions: nil, want: ""},
		{name: "quote escaping", conditions: map[string]any{"Name": "O'Brien"}, want: "Name eq 'O''Brien'"},
		{name: "number", conditions: map[string]any{"Qty": 5}, want: "Qty eq 5"},
		{name: "float", conditions: map[string]any{"Price": 9.5}, want: "Price eq 9.5"},
		{name: "bool", conditions: map[string]any{"Open": true}, want: "Open eq true"},
		{name: "null", conditions: map[string]any{"Deleted": nil}, want: "Deleted eq null"},
		{
			name:       "sorted and joined",
			conditions: map[string]any{"Status": "A", "Customer": "1000"},
			want:       "Customer eq '1000' and Status eq 'A'",
		},
		{name: "navigation path", conditions: map[string]any{"to_Customer/Country": "DE"}, want: "to_Customer/Country eq 'DE'"},
		{
			name:       "datetime",
			conditions: map[string]any{"CreatedAt": time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)},
			want:       "CreatedAt eq datetime'2025-01-01T09:30:00'",
		},
		{
			name:       "datetime converted to UTC",
			conditions: map[string]any{"CreatedAt": time.Date(2025, 1, 1, 10, 30, 0, 500e6, time.FixedZone("CET", 3600))},
			want:       "CreatedAt eq datetime'2025-01-01T09:30:00.5'",
		},
		{name: "expression in property rejected", conditions: map[string]any{"Name eq 'x' or Secret": "y"}, wantErr: true},
		{name: "empty property rejected", conditions: map[string]any{"": "y"}, wantErr: true},
		{name: "quote in property rejected", conditions: map[string]any{"Name'": "y"}, wantErr: true},
		{name: "trailing slash rejected", conditions: map[string]any{"to_Customer/": "y"}, wantErr: true},
		{name: "map rejected", conditions: map[string]any{"X": map[string]any{"a": 1}}, wantErr: true},
		{name: "slice rejected", conditions: map[string]any{"X": []string{"a"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildFilter(tt.conditions)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("BuildFilter() error = %v, want ErrValidation", err)
				}
				return
			}
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("BuildFilter() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildQuery(t *testing.T) {
	values, err := BuildQuery(map[string]any{
		"$filter":     map[string]any{"Status": "OPEN"},
		"select":      []string{"ID", "Amount"},
		"$expand":     "Items",
		"top":         50,
		"$skip":       0,
		"inlinecount": "allpages",
		"format":      "json",
	})
	require.NoError(t, err)

	assert.Equal(t, "Status eq 'OPEN'", values.Get("$filter"))
	assert.Equal(t, "ID,Amount", values.Get("$select"))
	assert.Equal(t, "Items", values.Get("$expand"))
	assert.Equal(t, "50", values.Get("$top"))
	assert.Equal(t, "0", values.Get("$skip"))
	assert.Equal(t, "allpages", values.Get("$inlinecount"))
	assert.Equal(t, "json", values.Get("$format"))
}

func TestBuildQuery_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
	}{
		{name: "unknown option", options: map[string]any{"$foo": "bar"}},
		{name: "negative top", options: map[string]any{"top": -1}},
		{name: "negative skip", options: map[string]any{"$skip": "-10"}},
		{name: "fractional top", options: map[string]any{"top": 1.5}},
		{name: "non-string select entries", options: map[string]any{"select": []any{"ID", 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildQuery(tt.options); !errors.Is(err, ErrValidation) {
				t.Errorf("BuildQuery() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestFormatKey(t *testing.T) {
	tests := []struct {
		name    string
		key     any
		want    string
		wantErr bool
	}{
		{name: "string", key: "1000", want: "'1000'"},
		{name: "string with quote", key: "O'Brien", want: "'O''Brien'"},
		{name: "int", key: 42, want: "42"},
		{name: "composite", key: map[string]any{"Pos": 10, "OrderID": "A"}, want: "OrderID='A',Pos=10"},
		{name: "raw", key: RawKey("guid'0050-56'"), want: "guid'0050-56'"},
		{name: "nil", key: nil, wantErr: true},
		{name: "empty string", key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntityPath(t *testing.T) {
	got, err := EntityPath("OrderSet", "1")
	require.NoError(t, err)
	assert.Equal(t, "OrderSet('1')", got)

	got, err = EntityPath("OrderSet", nil)
	require.NoError(t, err)
	assert.Equal(t, "OrderSet", got)

	_, err = EntityPath("Order Set", "1")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = EntityPath("../admin", nil)
	assert.ErrorIs(t, err, ErrValidation)
}
