package parser

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// NormalizePrice converts a displayed price such as "$1,234.56", "1.234,56 €"
// or "EUR 12,50" into a 2-decimal value and the currency symbol found around it.
func NormalizePrice(raw string) (decimal.Decimal, string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, "", false
	}

	var num, sym strings.Builder
	for _, r := range raw {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',':
			num.WriteRune(r)
		case unicode.IsSpace(r):
		default:
			sym.WriteRune(r)
		}
	}

	n := strings.Trim(num.String(), ".,")
	if n == "" {
		return decimal.Zero, "", false
	}

	lastDot := strings.LastIndexByte(n, '.')
	lastComma := strings.LastIndexByte(n, ',')
	sep := lastDot
	if lastComma > lastDot {
		sep = lastComma
	}

	var intPart, frac string
	switch {
	case sep == -1:
		intPart = n
	case isThousandsOnly(n, sep):
		intPart = n
	default:
		intPart, frac = n[:sep], n[sep+1:]
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}

	value := intPart
	if frac != "" {
		value += "." + frac
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, "", false
	}
	return d.Round(2), strings.TrimSpace(sym.String()), true
}

// isThousandsOnly reports whether the final separator groups thousands,
// e.g. "1,234" or "12.500.000", rather than marking cents.
func isThousandsOnly(n string, sep int) bool {
	if len(n)-sep-1 != 3 {
		return false
	}
	c := n[sep]
	other := byte('.')
	if c == '.' {
		other = ','
	}
	if strings.IndexByte(n, other) != -1 {
		return false
	}
	return strings.Count(n, string(c)) > 1 || c == ','
}
