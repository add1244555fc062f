package conf

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that serializes as a human string ("5m0s") in
// JSON and YAML. Relance delays are counted in days, so a trailing "d" unit is
// also accepted on input ("3d", "1d12h").
type Duration time.Duration

// Std converts to a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Days returns the whole number of days in d, rounded down.
func (d Duration) Days() int {
	return int(time.Duration(d) / (24 * time.Hour))
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration parses Go duration strings extended with a leading day count.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var days time.Duration
	if idx := strings.IndexByte(s, 'd'); idx > 0 {
		n, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, fmt.Errorf("invalid day count in %q: %w", s, err)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[idx+1:]
		if s == "" {
			return Duration(days), nil
		}
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(days + parsed), nil
}

// MarshalJSON writes the duration as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string, a number of nanoseconds, or null.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case string:
		parsed, err := ParseDuration(value)
		if err != nil {
			return err
		}
		*d = parsed
	case float64:
		*d = Duration(int64(value))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration value: %v (type %T)", v, v)
	}
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a bare integer of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected scalar duration value, got %v", value.Kind)
	}
	if parsed, err := ParseDuration(value.Value); err == nil {
		*d = parsed
		return nil
	}
	if nanos, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(nanos)
		return nil
	}
	return fmt.Errorf("invalid duration %q: expected format like \"30s\", \"5m\" or \"3d\"", value.Value)
}

var durationType = reflect.TypeFor[Duration]()

// DurationDecodeHook lets viper decode strings into Duration fields while
// keeping the usual time.Duration and comma-separated slice conversions.
func DurationDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(func(_, to reflect.Type, data any) (any, error) {
			if to != durationType {
				return data, nil
			}
			switch v := data.(type) {
			case string:
				return ParseDuration(v)
			case int:
				return Duration(v), nil
			case int64:
				return Duration(v), nil
			case float64:
				return Duration(int64(v)), nil
			case time.Duration:
				return Duration(v), nil
			default:
				return data, nil
			}
		}),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
