package httprequest

import (
	"context"
	"net/http"

	"github.com/dukex/taskflow/pkg/protocol"
)

// Factory creates HTTP request executors sharing one client.
type Factory struct {
	client *http.Client
}

// NewFactory creates a new factory instance.
func NewFactory(client *http.Client) protocol.ExecutorFactory {
	return &Factory{client: client}
}

func (f *Factory) Create(_ context.Context) (protocol.Executor, error) {
	return NewExecutor(f.client), nil
}

func (f *Factory) ID() string {
	return "http_request"
}

func (f *Factory) Name() string {
	return "HTTP Request"
}

func (f *Factory) Description() string {
	return "Performs an HTTP request with templated URL, headers and body"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL. Supports templating.",
				"examples":    []string{"https://api.example.com/users/{{.input.user_id}}"},
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
				"default": "GET",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body, a template string or a JSON value",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds",
				"minimum":     0,
				"default":     30,
			},
		},
		"required": []string{"url"},
	}
}
