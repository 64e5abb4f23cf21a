package particle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/oceanstream/errors"
)

// Coercion helpers implementing the numeric conventions instruments actually
// use. All failures wrap ErrFieldDecode and are recoverable: one bad field
// degrades one record, never the stream.

// Float parses a decimal float field. The literal token "NaN" (any case) is
// how several ASCII formats encode absence, so it coerces to nil rather than
// math.NaN: absence is a valid field state, not a number.
func Float(s string) (any, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: float %q", errors.ErrFieldDecode, s),
			"particle", "Float", "field coercion")
	}
	return v, nil
}

// Int parses a decimal integer field.
func Int(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: int %q", errors.ErrFieldDecode, s),
			"particle", "Int", "field coercion")
	}
	return v, nil
}

// HexUint parses a hex-encoded unsigned field, with or without a 0x prefix.
// SIO headers encode lengths and timestamps this way.
func HexUint(s string) (uint64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: hex %q", errors.ErrFieldDecode, s),
			"particle", "HexUint", "field coercion")
	}
	return v, nil
}
