package agon

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// Price is a price in one of the accepted formats: an integer amount already
// in smallest units, or a string such as "$0.001", "0.001" or "1000".
type Price interface{}

// UnitsPerDollar is the number of smallest currency units per dollar
// (6 decimals, matching USDC).
const UnitsPerDollar = 1_000_000

const priceDecimals = 6

// ParsePrice converts a price into smallest currency units.
//
// Integer values (int, int64, integral float64) are taken as already being in
// smallest units. Strings with a "$" prefix or a decimal point are dollar
// amounts; bare integer strings are smallest units. Anything else is a
// validation error.
func ParsePrice(price Price) (int64, error) {
	switch v := price.(type) {
	case int:
		return validateAmount(int64(v))
	case int32:
		return validateAmount(int64(v))
	case int64:
		return validateAmount(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
				fmt.Sprintf("fractional numeric price %v: use a string dollar amount or integer smallest units", v), nil)
		}
		return validateAmount(int64(v))
	case string:
		return parsePriceString(v)
	default:
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("unsupported price type %T", price), nil)
	}
}

func parsePriceString(s string) (int64, error) {
	cleaned := strings.TrimSpace(s)
	dollars := strings.HasPrefix(cleaned, "$")
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.TrimSuffix(cleaned, " USDC")
	cleaned = strings.TrimSuffix(cleaned, " USD")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation, "empty price", nil)
	}

	if dollars || strings.Contains(cleaned, ".") {
		return parseDollarAmount(cleaned)
	}

	// Bare integer string: already in smallest units.
	n, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("invalid price format: %q", s), nil)
	}
	return validateAmount(n)
}

// parseDollarAmount converts a decimal dollar string into smallest units
// without going through floating point.
func parseDollarAmount(s string) (int64, error) {
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || whole < 0 {
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("invalid price format: %q", s), nil)
	}

	if len(fracPart) > priceDecimals {
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("price %q has more than %d decimal places", s, priceDecimals), nil)
	}
	// Right-pad the fraction to 6 digits: "001" -> "001000" -> 1000 units.
	fracPart += strings.Repeat("0", priceDecimals-len(fracPart))
	frac := int64(0)
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
				fmt.Sprintf("invalid price format: %q", s), nil)
		}
	}

	if whole > (math.MaxInt64-frac)/UnitsPerDollar {
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("price %q overflows", s), nil)
	}
	return whole*UnitsPerDollar + frac, nil
}

func validateAmount(n int64) (int64, error) {
	if n < 0 {
		return 0, NewProtocolError(http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("negative price %d", n), nil)
	}
	return n, nil
}

// FormatPrice renders an amount in smallest units as a dollar string, e.g.
// 1000 -> "$0.001".
func FormatPrice(amount int64) string {
	whole := amount / UnitsPerDollar
	frac := amount % UnitsPerDollar
	if frac == 0 {
		return fmt.Sprintf("$%d", whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("$%d.%s", whole, s)
}
