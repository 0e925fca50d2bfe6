package transform

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

// Coerce converts a parsed JSON value to the Go value stored in a column of
// type t. JSON null stays nil. Nested objects and arrays stored in a text
// column are kept as their canonical JSON text.
func Coerce(v any, t schema.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schema.Int:
		return toInt(v)
	case schema.Float:
		return toFloat(v)
	case schema.Bool:
		return toBool(v)
	default:
		return toText(v)
	}
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil || f != math.Trunc(f) {
			return nil, errors.Errorf("%q is not an integer", x.String())
		}
		return int64(f), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, errors.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Errorf("%q is not an integer", x)
		}
		return n, nil
	}
	return nil, errors.Errorf("cannot store %T as integer", v)
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, errors.Errorf("%q is not a number", x.String())
		}
		return f, nil
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		s := strings.TrimSpace(strings.Replace(x, ",", ".", 1))
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Errorf("%q is not a number", x)
		}
		return f, nil
	}
	return nil, errors.Errorf("cannot store %T as number", v)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, errors.Errorf("%q is not a boolean", x.String())
		}
		return f != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, errors.Errorf("%q is not a boolean", x)
		}
		return b, nil
	}
	return nil, errors.Errorf("cannot store %T as boolean", v)
}

func toText(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case map[string]any, []any:
		b, err := Canonical(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, errors.Errorf("cannot store %T as text", v)
}
