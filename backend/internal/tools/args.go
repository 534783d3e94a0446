package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// argError is a validation failure reported back to the model verbatim.
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func invalid(format string, a ...any) error { return &argError{msg: fmt.Sprintf(format, a...)} }

func requiredString(args map[string]any, key string) (string, error) {
	s, ok := optionalString(args, key)
	if !ok || s == "" {
		return "", invalid("%s is required", key)
	}
	return s, nil
}

// optionalString accepts strings and numbers, trimmed.
func optionalString(args map[string]any, key string) (string, bool) {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

// nonNegativeInt accepts whole numbers given as JSON numbers or numeric strings.
func nonNegativeInt(args map[string]any, key string) (int, error) {
	f, err := wholeNumber(args, key)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 150 {
		return 0, invalid("%s must be between 0 and 150", key)
	}
	return int(f), nil
}

func wholeNumber(args map[string]any, key string) (float64, error) {
	var f float64
	switch v := args[key].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, invalid("%s must be a number", key)
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, invalid("%s must be a number", key)
		}
		f = n
	case nil:
		return 0, invalid("%s is required", key)
	default:
		return 0, invalid("%s must be a number", key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, invalid("%s must be a whole number", key)
	}
	return f, nil
}

func optionalLimit(args map[string]any, key string, def, max int) (int, error) {
	if _, ok := args[key]; !ok {
		return def, nil
	}
	f, err := wholeNumber(args, key)
	if err != nil {
		return 0, err
	}
	switch {
	case f < 0:
		return 0, invalid("%s must not be negative", key)
	case f == 0:
		return def, nil
	case f > float64(max):
		return max, nil
	}
	return int(f), nil
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// parseDateTime accepts RFC 3339 or a local wall-clock time in loc.
func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid("datetime %q is not a valid date and time, use YYYY-MM-DD HH:MM", s)
}
