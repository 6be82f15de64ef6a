package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// EvaluateCondition renders a guard expression and interprets the result as a
// boolean. An empty expression is true.
func EvaluateCondition(expression string, data map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	rendered, err := RenderWithContext(expression, data)
	if err != nil {
		return false, err
	}

	return Truthy(rendered)
}

// Truthy converts a rendered guard to a boolean. Nil and the empty string are
// true, numbers are true when non-zero and strings must parse with
// strconv.ParseBool. Collections are rejected.
func Truthy(value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return true, nil
		}

		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", v, err)
		}

		return b, nil
	}

	rv := reflect.ValueOf(value)

	switch {
	case rv.CanInt():
		return rv.Int() != 0, nil
	case rv.CanUint():
		return rv.Uint() != 0, nil
	case rv.CanFloat():
		return rv.Float() != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}
