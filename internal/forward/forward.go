// Package forward relays accepted sensor payloads to an upstream collector.
//
// Forwarding is best effort: each payload gets one POST bounded by a timeout,
// and failures are logged and dropped.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single forward request.
const DefaultTimeout = 5 * time.Second

const maxDrain = 4 << 10

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forward to %s: HTTP %d", e.URL, e.StatusCode)
}

// Forwarder posts JSON payloads to one upstream URL.
type Forwarder struct {
	client  *http.Client
	url     string
	timeout time.Duration
	log     logrus.FieldLogger

	wg sync.WaitGroup
}

// New creates a Forwarder for url. A zero timeout means DefaultTimeout.
func New(url string, timeout time.Duration, log logrus.FieldLogger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		client:  &http.Client{},
		url:     url,
		timeout: timeout,
		log:     log,
	}
}

// URL returns the upstream address.
func (f *Forwarder) URL() string { return f.url }

// Forward makes exactly one POST of payload. Any 2xx response is success.
func (f *Forwarder) Forward(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", f.url, err)
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, maxDrain)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: f.url, StatusCode: resp.StatusCode}
	}
	return nil
}

// Send forwards payload in the background so the caller never waits on the
// upstream.
func (f *Forwarder) Send(payload []byte) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.Forward(context.Background(), payload); err != nil {
			f.log.WithError(err).Warn("Failed to forward reading")
			return
		}
		f.log.WithField("url", f.url).Debug("Reading forwarded")
	}()
}

// Wait blocks until every payload handed to Send has been attempted.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
