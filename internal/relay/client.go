// Package relay forwards messages requests to the upstream provider and
// extracts usage telemetry along the way.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/credentials"
)

// Client talks to the upstream messages API.
type Client struct {
	httpClient *http.Client

	baseURL        string
	requestTimeout time.Duration
	idleTimeout    time.Duration
}

// NewClient constructs an upstream client.
func NewClient(baseURL string, requestTimeout, idleTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	return &Client{
		// No overall client timeout: streams run as long as chunks keep
		// arriving. Idle and request timeouts are enforced per call.
		httpClient:     &http.Client{},
		baseURL:        strings.TrimRight(baseURL, "/"),
		requestTimeout: requestTimeout,
		idleTimeout:    idleTimeout,
	}
}

// Response is a buffered upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
	Usage      *UsageReport
}

// ModelFromBody extracts the requested model name from a payload.
func ModelFromBody(body []byte) string {
	return modelFromBody(body)
}

// StreamRequested reports whether the payload asks for SSE.
func StreamRequested(body []byte) bool {
	return streamRequested(body)
}

func (c *Client) buildRequest(ctx context.Context, creds *credentials.Credentials, body []byte, stream bool) (*http.Request, error) {
	prepared, errPrepare := prepareBody(creds, body)
	if errPrepare != nil {
		return nil, errPrepare
	}

	base := c.baseURL
	if creds.Type == credentials.TypeAPIKey && creds.APIKey != nil && strings.TrimSpace(creds.APIKey.BaseURL) != "" {
		base = strings.TrimRight(creds.APIKey.BaseURL, "/")
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(prepared))
	if errReq != nil {
		return nil, fmt.Errorf("relay: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	switch creds.Type {
	case credentials.TypeAPIKey:
		req.Header.Set("x-api-key", creds.APIKey.Key)
	case credentials.TypeOAuth:
		req.Header.Set("Authorization", "Bearer "+creds.OAuth.AccessToken)
		req.Header.Set("anthropic-beta", oauthBetas)
	default:
		return nil, fmt.Errorf("relay: unsupported credential type %q", creds.Type)
	}
	return req, nil
}

// Do sends a buffered (non-streaming) request. Transport failures wrap
// ErrUpstreamTransport; non-2xx upstream replies come back as
// *UpstreamError for pass-through.
func (c *Client) Do(ctx context.Context, creds *credentials.Credentials, body []byte) (*Response, error) {
	if c == nil {
		return nil, fmt.Errorf("relay: client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, errBuild := c.buildRequest(ctx, creds, body, false)
	if errBuild != nil {
		return nil, errBuild
	}

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, errRead := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if errRead != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamTransport, errRead)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: respBody, Header: resp.Header}
	}

	response := &Response{StatusCode: resp.StatusCode, Body: respBody}
	if report, ok := parseBufferedUsage(respBody, modelFromBody(body)); ok {
		response.Usage = &report
	} else {
		log.Debug("relay: buffered response carried no usage block")
	}
	return response, nil
}

// Stream relays an SSE response to w, forwarding every complete line
// before any parsing happens. Telemetry is gathered by a decoupled
// observer over copies of the data lines. The returned report is best
// effort: it is produced exactly once per call, even on mid-stream
// failures, so the caller records usage exactly once.
func (c *Client) Stream(ctx context.Context, creds *credentials.Credentials, body []byte, w io.Writer) (*UsageReport, error) {
	if c == nil {
		return nil, fmt.Errorf("relay: client not initialized")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, errBuild := c.buildRequest(ctx, creds, body, true)
	if errBuild != nil {
		return nil, errBuild
	}

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: respBody, Header: resp.Header}
	}

	obs := newObserver(modelFromBody(body))
	relayErr := c.relayLines(ctx, cancel, resp.Body, w, obs)

	report, sawUsage := obs.finish()
	if !sawUsage {
		return nil, relayErr
	}
	return &report, relayErr
}

type lineResult struct {
	line []byte
	err  error
}

// relayLines forwards upstream lines to w byte for byte. Each complete
// line is written (and flushed) before its copy goes to the observer.
// A write failure cancels the upstream read; a quiet upstream trips the
// idle timeout.
func (c *Client) relayLines(ctx context.Context, cancel context.CancelFunc, upstream io.ReadCloser, w io.Writer, obs *observer) error {
	flusher, _ := w.(http.Flusher)

	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		reader := bufio.NewReaderSize(upstream, 64<<10)
		for {
			line, errRead := reader.ReadBytes('\n')
			if len(line) > 0 {
				copied := make([]byte, len(line))
				copy(copied, line)
				select {
				case lines <- lineResult{line: copied}:
				case <-ctx.Done():
					return
				}
			}
			if errRead != nil {
				select {
				case lines <- lineResult{err: errRead}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case result, ok := <-lines:
			if !ok {
				return nil
			}
			if result.err != nil {
				if result.err == io.EOF {
					return nil
				}
				return fmt.Errorf("relay: upstream read: %w", result.err)
			}

			if _, errWrite := w.Write(result.line); errWrite != nil {
				// Client went away; stop pulling from upstream.
				cancel()
				_ = upstream.Close()
				return fmt.Errorf("relay: client write: %w", errWrite)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if bytes.HasPrefix(result.line, []byte("data:")) {
				obs.observe(result.line)
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idleTimeout)

		case <-idle.C:
			cancel()
			_ = upstream.Close()
			return ErrStreamIdle

		case <-ctx.Done():
			_ = upstream.Close()
			return ctx.Err()
		}
	}
}
