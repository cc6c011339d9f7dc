package lease

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnits converts a major-unit decimal string (e.g. "5.25" XRP) into an
// integer minor-unit string using the given number of decimals. Amounts that
// would need a fractional minor unit are rejected rather than rounded.
func MinorUnits(major string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(major))
	if err != nil {
		return "", fmt.Errorf("%w: amount %q: %v", ErrValidation, major, err)
	}
	minor := d.Shift(decimals)
	if !minor.IsInteger() {
		return "", fmt.Errorf("%w: amount %q has more than %d decimal places", ErrValidation, major, decimals)
	}
	if !minor.IsPositive() {
		return "", fmt.Errorf("%w: amount %q must be positive", ErrValidation, major)
	}
	return minor.BigInt().String(), nil
}

// ValidateAmount checks a positive minor-unit decimal integer string.
func ValidateAmount(minor string) error {
	if minor == "" || strings.IndexFunc(minor, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return fmt.Errorf("%w: amount %q is not a decimal integer", ErrValidation, minor)
	}
	v, ok := new(big.Int).SetString(minor, 10)
	if !ok || v.Sign() <= 0 {
		return fmt.Errorf("%w: amount %q must be positive", ErrValidation, minor)
	}
	return nil
}
