package parser

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

const DefaultCurrencySymbol = "₹"

// ToNumber strips currency symbols and separators and parses the integer part
// of a price. Unknown prices map to +Inf so they sort last.
func ToNumber(raw string) float64 {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.Is(unicode.Sc, r), r == ',', unicode.IsSpace(r):
			continue
		default:
			b.WriteRune(r)
		}
	}

	digits := b.String()
	if i := strings.IndexByte(digits, '.'); i >= 0 {
		digits = digits[:i]
	}
	if digits == "" {
		return math.Inf(1)
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return math.Inf(1)
	}

	return float64(n)
}

// FormatPrice renders n with comma thousand separators behind symbol.
func FormatPrice(n int64, symbol string) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}

	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	b.WriteString(sign)
	b.WriteString(symbol)

	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte(',')
		b.WriteString(digits[i : i+3])
	}

	return b.String()
}

// NormalizeTitle builds a dedup key: lowercase letters and digits, with every
// other run of characters collapsed into a single space.
func NormalizeTitle(raw string) string {
	key := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, raw)
	return strings.Join(strings.Fields(key), " ")
}

// Less orders prices numerically with unknown prices last.
func Less(a, b string) bool {
	return ToNumber(a) < ToNumber(b)
}
