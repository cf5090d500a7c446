package legacy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var fallbackCharsets = []*charmap.Charmap{charmap.Windows1252, charmap.ISO8859_1}

// FixEncoding returns s as valid UTF-8. Text already in UTF-8 is kept;
// otherwise Windows-1252 then ISO-8859-1 are tried, and as a last resort
// invalid bytes are replaced.
func FixEncoding(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	for _, cs := range fallbackCharsets {
		decoded, err := cs.NewDecoder().String(s)
		if err == nil && utf8.ValidString(decoded) && !strings.ContainsRune(decoded, utf8.RuneError) {
			return decoded
		}
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

// FixRow repairs every text value of r in place.
func FixRow(r Row) Row {
	for k, v := range r {
		if s, ok := v.(string); ok {
			r[k] = FixEncoding(s)
		}
	}
	return r
}

// ParseMinorUnits converts a decimal amount ("12.50", "12,5", "-3") into
// hundredths without going through floating point. A third decimal digit
// rounds half away from zero.
func ParseMinorUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	padded := fracPart + "000"
	cents := int64(padded[0]-'0')*10 + int64(padded[1]-'0')
	if padded[2] >= '5' {
		cents++
	}
	if units > (math.MaxInt64-cents)/100 {
		return 0, fmt.Errorf("amount %q out of range", s)
	}

	total := units*100 + cents
	if neg {
		total = -total
	}
	return total, nil
}

// MinorUnits converts a driver value into hundredths.
func MinorUnits(v interface{}) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return ParseMinorUnits(x)
	case []byte:
		return ParseMinorUnits(string(x))
	case int64:
		return x * 100, nil
	case int:
		return int64(x) * 100, nil
	case float64:
		return ParseMinorUnits(strconv.FormatFloat(x, 'f', -1, 64))
	default:
		return ParseMinorUnits(fmt.Sprint(x))
	}
}

// FormatMinorUnits renders hundredths as "12.50".
func FormatMinorUnits(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
