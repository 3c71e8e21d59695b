// Package service ties account selection, credential handling, and the
// upstream relay together into the caller-facing proxy flow.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/oauth"
	"github.com/relayops/claude-relay/internal/pricing"
	"github.com/relayops/claude-relay/internal/relay"
	"github.com/relayops/claude-relay/internal/selector"
	"github.com/relayops/claude-relay/internal/store"
	"github.com/relayops/claude-relay/internal/usage"
)

// Proxy handles one messages request end to end: pick an account, make
// sure its credentials are usable, relay, and record the outcome.
type Proxy struct {
	accounts  *store.AccountStore
	selector  *selector.Selector
	box       *credentials.Box
	client    *relay.Client
	refresher *oauth.RefreshManager
	prices    *pricing.Table
	recorder  *usage.Recorder

	now func() time.Time
}

// NewProxy constructs a Proxy.
func NewProxy(accounts *store.AccountStore, sel *selector.Selector, box *credentials.Box, client *relay.Client, refresher *oauth.RefreshManager, prices *pricing.Table, recorder *usage.Recorder) *Proxy {
	return &Proxy{
		accounts:  accounts,
		selector:  sel,
		box:       box,
		client:    client,
		refresher: refresher,
		prices:    prices,
		recorder:  recorder,
		now:       time.Now,
	}
}

// statusError is implemented by errors that carry an HTTP status for
// pass-through rendering.
type statusError interface {
	error
	StatusCode() int
	Headers() http.Header
}

// Handle relays one request for an authenticated API key, writing the
// upstream reply (buffered or streamed) to w.
func (p *Proxy) Handle(ctx context.Context, key *models.APIKey, body []byte, w http.ResponseWriter) {
	requestID := uuid.NewString()
	start := p.now()
	stream := relay.StreamRequested(body)

	record := &models.UsageRecord{
		RequestID: requestID,
		APIKeyID:  key.ID,
		Model:     relay.ModelFromBody(body),
		Stream:    stream,
	}
	defer func() {
		record.ResponseTimeMs = p.now().Sub(start).Milliseconds()
		p.recorder.Record(record)
	}()

	account, errSelect := p.selector.Select(ctx, key.UserID, "")
	if errSelect != nil {
		record.StatusCode = http.StatusServiceUnavailable
		record.ErrorMessage = errSelect.Error()
		writeJSONError(w, http.StatusServiceUnavailable, "no upstream account available")
		return
	}

	errRelay := p.relayWith(ctx, account, body, stream, record, w)
	if errRelay == nil {
		return
	}

	// One retry on a transport-level failure, against a fresh pick. The
	// failed account's error counter makes it less likely to come back
	// only via health checks; a same-account retry is still acceptable.
	if errors.Is(errRelay, relay.ErrUpstreamTransport) {
		retryAccount, errReselect := p.selector.Select(ctx, key.UserID, "")
		if errReselect == nil && retryAccount.ID != account.ID {
			log.WithField("request_id", requestID).Info("proxy: retrying on alternate account after transport failure")
			errRetry := p.relayWith(ctx, retryAccount, body, stream, record, w)
			if errRetry == nil {
				return
			}
			errRelay = errRetry
		}
	}

	p.renderError(w, record, errRelay)
}

// relayWith runs the relay against one specific account. On success the
// reply has been written to w and the usage record is filled in.
func (p *Proxy) relayWith(ctx context.Context, account *models.Account, body []byte, stream bool, record *models.UsageRecord, w http.ResponseWriter) error {
	record.AccountID = &account.ID

	creds, errCreds := p.usableCredentials(ctx, account)
	if errCreds != nil {
		return errCreds
	}

	if stream {
		return p.relayStream(ctx, account, creds, body, record, w)
	}
	return p.relayBuffered(ctx, account, creds, body, record, w)
}

func (p *Proxy) relayBuffered(ctx context.Context, account *models.Account, creds *credentials.Credentials, body []byte, record *models.UsageRecord, w http.ResponseWriter) error {
	resp, errDo := p.client.Do(ctx, creds, body)
	if errDo != nil {
		p.selector.MarkUsage(ctx, account.ID, false)
		return errDo
	}

	p.selector.MarkUsage(ctx, account.ID, true)
	record.StatusCode = resp.StatusCode
	if resp.Usage != nil {
		p.applyUsage(record, resp.Usage)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
	return nil
}

func (p *Proxy) relayStream(ctx context.Context, account *models.Account, creds *credentials.Credentials, body []byte, record *models.UsageRecord, w http.ResponseWriter) error {
	// Headers are deferred until the upstream accepted the request, so a
	// non-2xx reply can still pass through with its own status.
	sw := &sseWriter{w: w}
	report, errStream := p.client.Stream(ctx, creds, body, sw)

	if report != nil {
		p.applyUsage(record, report)
	}
	if errStream != nil {
		p.selector.MarkUsage(ctx, account.ID, false)
		if !sw.started {
			// Nothing reached the client yet; the caller can still
			// retry or render a structured error.
			return errStream
		}
		// Mid-stream failure: the response is already under way, all we
		// can do is log and account for it.
		record.StatusCode = http.StatusOK
		record.ErrorMessage = errStream.Error()
		log.WithError(errStream).WithField("account_id", account.ID).Warn("proxy: stream aborted mid-flight")
		return nil
	}

	p.selector.MarkUsage(ctx, account.ID, true)
	record.StatusCode = http.StatusOK
	return nil
}

// usableCredentials unseals the account credentials, refreshing an
// expired OAuth token on demand.
func (p *Proxy) usableCredentials(ctx context.Context, account *models.Account) (*credentials.Credentials, error) {
	creds, errOpen := p.box.Open(account.Credentials)
	if errOpen != nil {
		return nil, errOpen
	}
	if creds.Type != credentials.TypeOAuth || creds.OAuth.ExpiresIn(p.now()) > 0 {
		return creds, nil
	}

	log.WithField("account_id", account.ID).Info("proxy: access token expired, refreshing on demand")
	result := p.refresher.RefreshAccount(ctx, account.ID)
	if result.Err != nil {
		return nil, result.Err
	}
	refreshed, errGet := p.accounts.Get(ctx, account.ID)
	if errGet != nil {
		return nil, errGet
	}
	return p.box.Open(refreshed.Credentials)
}

func (p *Proxy) applyUsage(record *models.UsageRecord, report *relay.UsageReport) {
	if report.Model != "" {
		record.Model = report.Model
	}
	record.InputTokens = report.Usage.InputTokens
	record.OutputTokens = report.Usage.OutputTokens
	record.CacheCreationTokens = report.Usage.CacheCreationTokens
	record.CacheReadTokens = report.Usage.CacheReadTokens
	record.Cost = p.prices.Cost(record.Model, report.Usage)
}

// renderError writes a terminal failure to the client and the record.
func (p *Proxy) renderError(w http.ResponseWriter, record *models.UsageRecord, errRelay error) {
	record.ErrorMessage = errRelay.Error()

	var se statusError
	if errors.As(errRelay, &se) {
		record.StatusCode = se.StatusCode()
		for name, values := range se.Headers() {
			for _, value := range values {
				w.Header().Add(name, value)
			}
		}
		var upstreamErr *relay.UpstreamError
		if errors.As(errRelay, &upstreamErr) && len(upstreamErr.Body) > 0 {
			if w.Header().Get("Content-Type") == "" {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(upstreamErr.Status)
			_, _ = w.Write(upstreamErr.Body)
			return
		}
		writeJSONError(w, se.StatusCode(), errRelay.Error())
		return
	}

	if errors.Is(errRelay, relay.ErrUpstreamTransport) {
		record.StatusCode = http.StatusServiceUnavailable
		writeJSONError(w, http.StatusServiceUnavailable, "upstream unavailable")
		return
	}
	if errors.Is(errRelay, relay.ErrStreamIdle) {
		record.StatusCode = http.StatusGatewayTimeout
		writeJSONError(w, http.StatusGatewayTimeout, "upstream stream timed out")
		return
	}

	record.StatusCode = http.StatusBadGateway
	writeJSONError(w, http.StatusBadGateway, "upstream request failed")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	payload, _ := sjson.SetBytes([]byte(`{"type":"error","error":{"type":"api_error"}}`), "error.message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// sseWriter sets stream headers lazily, on the first relayed byte.
type sseWriter struct {
	w       http.ResponseWriter
	started bool
}

func (s *sseWriter) Write(b []byte) (int, error) {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
	}
	return s.w.Write(b)
}

func (s *sseWriter) Flush() {
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
}
