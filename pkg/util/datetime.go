package util

import (
	"fmt"
	"strconv"
	"time"
)

const (
	DateTimeFormat      = "2006-01-02 15:04:05"
	DateTimeMicroFormat = "2006-01-02 15:04:05.000000"
	ISO8601Format       = "2006-01-02T15:04:05Z"
)

func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeFormat)
}

// ParseDateTime accepts scheduler datetimes with or without the
// microsecond suffix.
func ParseDateTime(s string) (time.Time, error) {
	if t, err := time.Parse(DateTimeMicroFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(DateTimeFormat, s)
}

func TimeToISO8601Str(t time.Time) string {
	return t.Format(ISO8601Format)
}

func ParseISO8601(s string) (time.Time, error) {
	return time.Parse(ISO8601Format, s)
}

// ParseSeconds reads a duration in seconds that schedulers send either
// as a JSON number or as a string.
func ParseSeconds(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid seconds value %q: %w", n, err)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("missing seconds value")
	default:
		return 0, fmt.Errorf("invalid seconds value of type %T", v)
	}
}
