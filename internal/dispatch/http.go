package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/humidistat/internal/logic"
)

// DefaultURLTemplate addresses the controller manager's GET /<zone>/<status> route.
const DefaultURLTemplate = "http://localhost:5001/{zone}/{status}"

// DefaultTimeout bounds a single command request.
const DefaultTimeout = 5 * time.Second

// maxDrain is how much of a response body is read before closing it.
const maxDrain = 4 << 10

// StatusError reports a non-2xx actuator response.
type StatusError struct {
	Zone       int
	Status     logic.Status
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("actuator for zone %d rejected %s: HTTP %d", e.Zone, e.Status, e.StatusCode)
}

// HTTPDispatcher sends commands as HTTP requests to a URL built from a
// template containing {zone} and {status} placeholders.
type HTTPDispatcher struct {
	client   *http.Client
	template string
	method   string
	timeout  time.Duration
}

// HTTPOption configures an HTTPDispatcher.
type HTTPOption func(*HTTPDispatcher)

// WithMethod sets the request method (default GET).
func WithMethod(method string) HTTPOption {
	return func(d *HTTPDispatcher) { d.method = strings.ToUpper(method) }
}

// WithTimeout sets the per-request timeout (default DefaultTimeout).
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(d *HTTPDispatcher) { d.timeout = timeout }
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) { d.client = c }
}

// NewHTTPDispatcher creates a dispatcher for the given URL template.
func NewHTTPDispatcher(template string, opts ...HTTPOption) (*HTTPDispatcher, error) {
	if template == "" {
		template = DefaultURLTemplate
	}
	if !strings.Contains(template, "{zone}") {
		return nil, fmt.Errorf("actuator url template %q has no {zone} placeholder", template)
	}

	d := &HTTPDispatcher{
		client:   &http.Client{},
		template: template,
		method:   http.MethodGet,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// URL returns the command URL for zone and status.
func (d *HTTPDispatcher) URL(zone int, status logic.Status) string {
	return strings.NewReplacer(
		"{zone}", strconv.Itoa(zone),
		"{status}", string(status),
	).Replace(d.template)
}

// Dispatch makes exactly one request. Any 2xx response is success.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, zone int, status logic.Status) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, d.method, d.URL(zone, status), nil)
	if err != nil {
		return fmt.Errorf("build command request for zone %d: %w", zone, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to zone %d: %w", status, zone, err)
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, maxDrain)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Zone: zone, Status: status, StatusCode: resp.StatusCode}
	}
	return nil
}
