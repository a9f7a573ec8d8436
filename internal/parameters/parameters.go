// Package parameters parses the small key=value configuration strings used
// to select and tune pluggable policies, e.g. "policy=proportional".
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params holds parsed configuration options. Pop values out with PopParamOr
// so unknown leftovers can be rejected.
type Params map[string]string

// NewFromConfigString splits a comma-separated key=value string into
// Params. A key without '=' maps to the empty string (true for bools).
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params[key] = value
	}
	return params
}

// GetParamOr parses the value under key into T, or returns defaultValue if
// the key is absent. For bools, a key present without a value reads true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var result any
	switch any(defaultValue).(type) {
	case string:
		result = value
	case int:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue, errors.Wrapf(err, "failed to parse %s=%q as int", key, value)
		}
		result = parsed
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return defaultValue, errors.Wrapf(err, "failed to parse %s=%q as float", key, value)
		}
		result = float32(parsed)
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return defaultValue, errors.Wrapf(err, "failed to parse %s=%q as float", key, value)
		}
		result = parsed
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1":
			result = true
		case "false", "0":
			result = false
		default:
			return defaultValue, errors.Errorf("failed to parse %s=%q as bool", key, value)
		}
	}
	return result.(T), nil
}

// PopParamOr is GetParamOr plus removal of the key from params.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}
