// Package template renders text/template expressions against instance context data.
package template

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"
)

// parsed caches compiled expressions. Definitions are immutable once
// published so the same input_data strings are rendered on every attempt.
var parsed sync.Map

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(n int) int {
		if n <= 0 {
			return 0
		}

		return rand.IntN(n)
	},
	"json": func(v any) (string, error) {
		raw, err := json.Marshal(v)

		return string(raw), err
	},
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}

		return v
	},
}

// RenderWithContext renders input against an instance context. The context is
// expected to carry "input", "nodes" and "instance"; "env" is added here.
func RenderWithContext(input string, data map[string]any) (any, error) {
	withEnv := maps.Clone(data)
	if withEnv == nil {
		withEnv = make(map[string]any, 1)
	}

	withEnv["env"] = environment()

	return Render(input, withEnv)
}

// Render executes expression against data and decodes the output: JSON
// objects and arrays, numbers and booleans come back typed, anything else as
// the trimmed string.
func Render(expression string, data any) (any, error) {
	tmpl, err := compile(expression)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", expression, err)
	}

	return decode(expression, strings.TrimSpace(out.String()))
}

func compile(expression string) (*template.Template, error) {
	if cached, ok := parsed.Load(expression); ok {
		return cached.(*template.Template), nil
	}

	tmpl, err := template.New("expression").Funcs(funcs).Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", expression, err)
	}

	parsed.Store(expression, tmpl)

	return tmpl, nil
}

func decode(expression, rendered string) (any, error) {
	if looksLikeJSON(rendered) {
		var value any
		if err := json.Unmarshal([]byte(rendered), &value); err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", expression, err)
		}

		return value, nil
	}

	if num, err := strconv.ParseFloat(rendered, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(rendered); err == nil {
		return b, nil
	}

	return rendered, nil
}

func looksLikeJSON(s string) bool {
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}

func environment() map[string]any {
	env := make(map[string]any)

	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}

	return env
}
