package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseResolution parses WIDTHxHEIGHT.
func ParseResolution(s string) (uint64, uint64, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%q:can't parse as WIDTHxHEIGHT:%w", s, strconv.ErrSyntax)
	}

	width, err := strconv.ParseUint(w, 10, 32)
	if err != nil {
		return 0, 0, err
	}

	height, err := strconv.ParseUint(h, 10, 32)
	if err != nil {
		return 0, 0, err
	}

	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("%q:empty resolution:%w", s, strconv.ErrRange)
	}

	return width, height, nil
}
