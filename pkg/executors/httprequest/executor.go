// Package httprequest provides an executor that performs HTTP calls.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/protocol"
	"github.com/dukex/taskflow/pkg/template"
)

const defaultTimeout = 30 * time.Second

// Config is the parsed input of an HTTP request node.
type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// HTTPError reports a response with a status code of 400 or more.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Executor performs one HTTP request per invocation. Retrying is left to the
// node retry policy.
type Executor struct {
	client *http.Client
}

// NewExecutor creates an executor using client, or http.DefaultClient when nil.
func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = http.DefaultClient
	}

	return &Executor{client: client}
}

func parseConfig(input map[string]any) (Config, error) {
	cfg := Config{
		Method:  http.MethodGet,
		Headers: make(map[string]string),
		Timeout: defaultTimeout,
	}

	url, ok := input["url"].(string)
	if !ok || url == "" {
		return cfg, errors.New("missing required field 'url'")
	}

	cfg.URL = url

	if method, ok := input["method"].(string); ok {
		cfg.Method = strings.ToUpper(method)
	}

	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if strVal, ok := v.(string); ok {
				cfg.Headers[k] = strVal
			}
		}
	}

	switch body := input["body"].(type) {
	case string:
		cfg.Body = body
	case map[string]any, []any:
		encoded, err := json.Marshal(body)
		if err != nil {
			return cfg, fmt.Errorf("failed to encode body: %w", err)
		}

		cfg.Body = string(encoded)
	}

	if timeout, ok := input["timeout"].(float64); ok && timeout > 0 {
		cfg.Timeout = time.Duration(timeout * float64(time.Second))
	}

	return cfg, nil
}

func (e *Executor) Execute(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	cfg, err := parseConfig(req.Input)
	if err != nil {
		return protocol.Result{}, err
	}

	url, err := renderString(cfg.URL, req.Context)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to render URL template: %w", err)
	}

	body := cfg.Body
	if body != "" {
		body, err = renderString(body, req.Context)
		if err != nil {
			return protocol.Result{}, fmt.Errorf("failed to render body template: %w", err)
		}
	}

	headers := make(map[string]string, len(cfg.Headers))

	for key, value := range cfg.Headers {
		rendered, err := renderString(value, req.Context)
		if err != nil {
			rendered = value
		}

		headers[key] = rendered
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	output, err := e.perform(ctx, cfg.Method, url, body, headers, req)
	if err != nil {
		return protocol.Result{}, err
	}

	return protocol.Result{Output: output}, nil
}

func (e *Executor) perform(ctx context.Context, method, url, body string, headers map[string]string, req protocol.Request) (map[string]any, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}

	if body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Executors are invoked at least once, receivers can dedupe on this key.
	if httpReq.Header.Get("Idempotency-Key") == "" && req.InstanceID != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey(req))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	headersOut := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headersOut[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headersOut,
		"body":        string(respBody),
	}

	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}

func idempotencyKey(req protocol.Request) string {
	key := fmt.Sprintf("%s/%s", req.InstanceID, req.NodeID)
	if req.Iteration != nil {
		key = fmt.Sprintf("%s/%d", key, *req.Iteration)
	}

	return key
}

func renderString(input string, data map[string]any) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}

	rendered, err := template.RenderWithContext(input, data)
	if err != nil {
		return "", err
	}

	if s, ok := rendered.(string); ok {
		return s, nil
	}

	encoded, err := json.Marshal(rendered)
	if err != nil {
		return "", err
	}

	return string(encoded), nil
}
