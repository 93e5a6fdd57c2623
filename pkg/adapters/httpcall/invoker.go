// Package httpcall performs the outbound API calls of api_call nodes.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20
)

var (
	// ErrHTTPMethodInvalid is returned when the method is not a known HTTP verb.
	ErrHTTPMethodInvalid = errors.New("invalid HTTP method")
	// ErrHTTPURLInvalid is returned when the rendered URL is empty.
	ErrHTTPURLInvalid = errors.New("invalid HTTP request URL")
	// ErrHTTPStatus is returned for non-2xx responses.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// Invoker implements protocol.HTTPInvoker with a shared http.Client.
type Invoker struct {
	client *http.Client
	logger *slog.Logger
}

func NewInvoker(logger *slog.Logger) *Invoker {
	return &Invoker{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("module", "http_invoker"),
	}
}

// NewInvokerWithClient uses a caller supplied client, mainly for tests.
func NewInvokerWithClient(logger *slog.Logger, client *http.Client) *Invoker {
	return &Invoker{client: client, logger: logger.With("module", "http_invoker")}
}

func (i *Invoker) Invoke(ctx context.Context, request protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}

	if !allowedMethods[method] {
		return nil, fmt.Errorf("%w: %s", ErrHTTPMethodInvalid, request.Method)
	}

	if strings.TrimSpace(request.URL) == "" {
		return nil, ErrHTTPURLInvalid
	}

	if request.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	var body io.Reader
	if request.Body != "" {
		body = strings.NewReader(request.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, request.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}

	if request.Body != "" && req.Header.Get("Content-Type") == "" && json.Valid([]byte(request.Body)) {
		req.Header.Set("Content-Type", "application/json")
	}

	i.logger.DebugContext(ctx, "Sending HTTP request", "method", method, "url", request.URL)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	response := &protocol.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       decodeBody(raw),
		Raw:        raw,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return response, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	return response, nil
}

func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if !gjson.ValidBytes(trimmed) {
		return string(raw)
	}

	return gjson.ParseBytes(trimmed).Value()
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}

	return flat
}

// Extract picks the value at a gjson path from the response body. An empty
// path returns the whole decoded body. ok is false when the path matches nothing.
func Extract(response *protocol.HTTPResponse, path string) (any, bool) {
	if response == nil {
		return nil, false
	}

	if path == "" {
		return response.Body, true
	}

	raw := response.Raw
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, false
	}

	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}

	return result.Value(), true
}
