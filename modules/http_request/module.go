package http_request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// maxBody is the largest response body kept as an output.
const maxBody = 64 * 1024

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the http-request action.
type Input struct {
	URL          string            `hcl:"url" validate:"required,url"`
	Method       string            `hcl:"method,optional"`
	Body         string            `hcl:"body,optional"`
	Headers      map[string]string `hcl:"headers,optional"`
	ExpectStatus int               `hcl:"expect_status,optional" validate:"omitempty,gte=100,lte=599"`
	ExpectBody   string            `hcl:"expect_body,optional"`
}

// OnRunHttpRequest sends one request through the job's HTTP client, which
// answers from the job's intercept rules when any match.
func OnRunHttpRequest(ctx context.Context, jc *jobctx.Context, input *Input) (registry.Outputs, error) {
	logger := ctxlog.FromContext(ctx)
	method := strings.ToUpper(input.Method)
	if method == "" {
		method = http.MethodGet
	}
	logger.Info("Making HTTP request", "method", method, "url", jc.Masker.Mask(input.URL))

	if jc.HTTP == nil {
		return nil, fmt.Errorf("http client is not configured")
	}

	var body io.Reader
	if input.Body != "" {
		body = strings.NewReader(input.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, input.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range input.Headers {
		req.Header.Set(k, v)
	}

	resp, err := jc.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	logger.Info("Received HTTP response", "status", resp.Status)

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if input.ExpectStatus != 0 && resp.StatusCode != input.ExpectStatus {
		return nil, fmt.Errorf("expected status %d, got %d", input.ExpectStatus, resp.StatusCode)
	}
	if input.ExpectBody != "" && !strings.Contains(string(bodyBytes), input.ExpectBody) {
		return nil, fmt.Errorf("response body does not contain %q", input.ExpectBody)
	}

	return registry.Outputs{
		"status_code": strconv.Itoa(resp.StatusCode),
		"body":        string(bodyBytes),
	}, nil
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("http-request", &registry.RegisteredAction{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunHttpRequest,
	})
}
