package legacy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixEncoding(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"ascii", "DOLIPRANE", "DOLIPRANE"},
		{"already utf8", "Crème", "Crème"},
		{"windows-1252 e grave", "Cr\xe8me", "Crème"},
		{"windows-1252 euro", "Prix \x80", "Prix €"},
		{"latin1 degree", "37\xb0C", "37°C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FixEncoding(tt.input))
		})
	}
}

func TestFixRow(t *testing.T) {
	r := Row{"Libelle": "Cr\xe8me", "BaseTTC": int64(3)}
	FixRow(r)
	assert.Equal(t, "Crème", r["Libelle"])
	assert.Equal(t, int64(3), r["BaseTTC"])
}

func TestParseMinorUnits(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"", 0},
		{"12.50", 1250},
		{"12.5", 1250},
		{"12", 1200},
		{"12,34", 1234},
		{"0.1", 10},
		{".75", 75},
		{"-3.20", -320},
		{"+1.01", 101},
		{"2.185", 219},
		{"2.184", 218},
		{"0.995", 100},
		{"19.99", 1999},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMinorUnits(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	for _, bad := range []string{"abc", "1.2.3", "1e5", "12€"} {
		_, err := ParseMinorUnits(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMinorUnitsRange(t *testing.T) {
	// math.MaxInt64 is 9223372036854775807.
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"92233720368547758.07", math.MaxInt64, false},
		{"-92233720368547758.07", -math.MaxInt64, false},
		{"92233720368547758.06", math.MaxInt64 - 1, false},
		{"92233720368547758.08", 0, true},
		{"92233720368547758.99", 0, true},
		{"92233720368547758.075", 0, true},
		{"92233720368547759", 0, true},
		{"99999999999999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMinorUnits(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMinorUnits(t *testing.T) {
	cents, err := MinorUnits(19.99)
	require.NoError(t, err)
	assert.Equal(t, int64(1999), cents)

	cents, err = MinorUnits(int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(700), cents)

	cents, err = MinorUnits([]byte("4,20"))
	require.NoError(t, err)
	assert.Equal(t, int64(420), cents)

	cents, err = MinorUnits(nil)
	require.NoError(t, err)
	assert.Zero(t, cents)
}

func TestFormatMinorUnits(t *testing.T) {
	assert.Equal(t, "12.50", FormatMinorUnits(1250))
	assert.Equal(t, "0.05", FormatMinorUnits(5))
	assert.Equal(t, "-3.20", FormatMinorUnits(-320))
}
