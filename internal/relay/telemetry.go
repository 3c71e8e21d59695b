package relay

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/relayops/claude-relay/internal/pricing"
)

// UsageReport is the telemetry extracted from an upstream response.
type UsageReport struct {
	Model string
	Usage pricing.Usage
}

// observer consumes copies of SSE data lines off the relay hot path and
// accumulates token telemetry. Parse failures are skipped; the relay
// never stalls or fails because telemetry is malformed.
type observer struct {
	lines chan []byte
	done  chan struct{}

	report   UsageReport
	sawUsage bool
}

func newObserver(requestModel string) *observer {
	o := &observer{
		lines: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	o.report.Model = requestModel
	go o.run()
	return o
}

// observe hands a copy of one data line to the observer. The relay loop
// never blocks on telemetry: if the buffer is full the line is dropped.
func (o *observer) observe(line []byte) {
	select {
	case o.lines <- line:
	default:
		log.Debug("relay: telemetry buffer full, dropping line")
	}
}

// finish closes the intake and waits for the parser to drain.
func (o *observer) finish() (UsageReport, bool) {
	close(o.lines)
	<-o.done
	return o.report, o.sawUsage
}

func (o *observer) run() {
	defer close(o.done)
	for line := range o.lines {
		o.parse(line)
	}
}

func (o *observer) parse(line []byte) {
	payload := strings.TrimSpace(strings.TrimPrefix(string(line), "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}
	event := gjson.Parse(payload)
	if !event.IsObject() {
		log.WithField("payload", truncateForLog(payload)).Debug("relay: skipping unparsable stream event")
		return
	}

	switch event.Get("type").String() {
	case "message_start":
		message := event.Get("message")
		if model := message.Get("model").String(); model != "" {
			o.report.Model = model
		}
		usage := message.Get("usage")
		if usage.Exists() {
			o.report.Usage.InputTokens = usage.Get("input_tokens").Int()
			o.report.Usage.CacheCreationTokens = usage.Get("cache_creation_input_tokens").Int()
			o.report.Usage.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
			o.sawUsage = true
		}
	case "message_delta":
		usage := event.Get("usage")
		if usage.Exists() {
			// Deltas carry cumulative counts; the latest wins.
			o.report.Usage.OutputTokens = usage.Get("output_tokens").Int()
			o.sawUsage = true
		}
	}
}

// parseBufferedUsage extracts telemetry from a non-streaming response body.
func parseBufferedUsage(body []byte, requestModel string) (UsageReport, bool) {
	report := UsageReport{Model: requestModel}
	parsed := gjson.ParseBytes(body)
	if model := parsed.Get("model").String(); model != "" {
		report.Model = model
	}
	usage := parsed.Get("usage")
	if !usage.Exists() {
		return report, false
	}
	report.Usage.InputTokens = usage.Get("input_tokens").Int()
	report.Usage.OutputTokens = usage.Get("output_tokens").Int()
	report.Usage.CacheCreationTokens = usage.Get("cache_creation_input_tokens").Int()
	report.Usage.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
	return report, true
}

func truncateForLog(s string) string {
	if len(s) <= 120 {
		return s
	}
	return s[:120] + "..."
}
