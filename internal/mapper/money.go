package mapper

import (
	"math"
	"strconv"
	"strings"
)

// AmountInCents resolves an upstream monetary value to integer cents.
//
// Whole numbers are taken as already denominated in cents and pass
// through unscaled. Fractional numbers, and strings carrying a decimal
// part (pt-BR "1.234,56" and en-US "1,234.56" alike), are major units
// and get scaled by 100. Negative or unparseable values resolve to nil.
func AmountInCents(v any) *int64 {
	cents, ok := resolveAmount(v, false)
	if !ok {
		return nil
	}
	return &cents
}

// MajorUnitCents resolves a value known to be in major units, scaling by
// 100 even when it is a whole number.
func MajorUnitCents(v any) *int64 {
	cents, ok := resolveAmount(v, true)
	if !ok {
		return nil
	}
	return &cents
}

func resolveAmount(v any, forceMajor bool) (int64, bool) {
	switch value := v.(type) {
	case float64:
		return scaleAmount(value, forceMajor || value != math.Trunc(value))
	case int:
		return scaleAmount(float64(value), forceMajor)
	case int64:
		return scaleAmount(float64(value), forceMajor)
	case string:
		amount, hadFraction, ok := parseDecimal(value)
		if !ok {
			return 0, false
		}
		return scaleAmount(amount, forceMajor || hadFraction)
	default:
		return 0, false
	}
}

func scaleAmount(amount float64, major bool) (int64, bool) {
	if major {
		amount = amount * 100
	}
	cents := int64(math.Round(amount))
	if cents < 0 {
		return 0, false
	}
	return cents, true
}

// parseDecimal normalizes a formatted amount string. The last '.' or ','
// followed by one or two digits is the decimal separator; every other
// separator is a thousands mark.
func parseDecimal(raw string) (amount float64, hadFraction bool, ok bool) {
	var cleaned strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' || r == '.' || r == ',' || r == '-' {
			cleaned.WriteRune(r)
		}
	}
	s := cleaned.String()
	if s == "" || s == "-" {
		return 0, false, false
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	decimal := lastDot
	if lastComma > decimal {
		decimal = lastComma
	}
	if decimal >= 0 {
		fraction := s[decimal+1:]
		if len(fraction) >= 1 && len(fraction) <= 2 && !strings.ContainsAny(fraction, ".,") {
			hadFraction = true
		} else {
			decimal = -1
		}
	}

	var normalized strings.Builder
	for i, r := range s {
		switch {
		case r == '.' || r == ',':
			if i == decimal {
				normalized.WriteByte('.')
			}
		default:
			normalized.WriteRune(r)
		}
	}

	amount, err := strconv.ParseFloat(normalized.String(), 64)
	if err != nil {
		return 0, false, false
	}
	return amount, hadFraction, true
}

// CoalesceCents returns the first resolvable cents value among the
// provided candidates, in order.
func CoalesceCents(candidates ...func() *int64) *int64 {
	for _, candidate := range candidates {
		if cents := candidate(); cents != nil {
			return cents
		}
	}
	return nil
}

// AsCents wraps a raw payload value for CoalesceCents.
func AsCents(v any) func() *int64 {
	return func() *int64 { return AmountInCents(v) }
}

// AsMajor wraps a major-unit payload value for CoalesceCents.
func AsMajor(v any) func() *int64 {
	return func() *int64 { return MajorUnitCents(v) }
}
