package conf

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/tphakala/offlinecache/internal/errors"
	"gopkg.in/yaml.v3"
)

const day = 24 * time.Hour

// Duration is a time.Duration configured as text: a Go duration ("30s",
// "1h30m"), a whole number of days ("7d") or a bare integer of nanoseconds.
// It is written back in Go duration form.
type Duration time.Duration

// ParseDuration parses s in any of the forms Duration accepts.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return Duration(time.Duration(n) * day), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return Duration(d), nil
	}
	if nanos, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(nanos), nil
	}
	return 0, durationError(s, `expected a duration like "30s", "5m" or "7d"`)
}

// toDuration converts a decoded JSON, YAML or viper value.
func toDuration(v any) (Duration, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case Duration:
		return v, nil
	case time.Duration:
		return Duration(v), nil
	case string:
		return ParseDuration(v)
	case int:
		return Duration(v), nil
	case int64:
		return Duration(v), nil
	case float64:
		return Duration(int64(v)), nil
	default:
		return 0, durationError(v, "unsupported type")
	}
}

func durationError(value any, reason string) error {
	return errors.Newf("invalid duration %v: %s", value, reason).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Context("value", value).
		Build()
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := toDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return durationError(node.Value, "expected a scalar")
	}
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var durationType = reflect.TypeFor[Duration]()

// DurationDecodeHook decodes Duration fields from viper values. time.Duration
// fields and comma-separated string slices use mapstructure's stock hooks.
func DurationDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(func(_, to reflect.Type, data any) (any, error) {
			if to != durationType {
				return data, nil
			}
			return toDuration(data)
		}),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
