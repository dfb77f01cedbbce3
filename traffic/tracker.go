// Package traffic accounts for a single scraping session's network activity:
// byte counters partitioned by resource type, blocked requests, and the two
// captured sequences the extractor consumes (RPC bodies and script bodies).
// Purely observational; it never mutates requests.
package traffic

import (
	"encoding/json"
	"sync"
)

// estimatedRequestHeaderBytes approximates outbound header overhead when the
// browser does not expose the wire size of a request.
const estimatedRequestHeaderBytes = 800

// APIResponse is one captured ad-transparency RPC body, in arrival order.
type APIResponse struct {
	URL  string
	Raw  string         // body as received
	JSON map[string]any // parsed form, nil when the body is not a JSON object
}

// ScriptResponse is one captured creative-script body, in arrival order.
type ScriptResponse struct {
	URL  string
	Body string
}

// FailedRequest records a request that errored, for diagnostics.
type FailedRequest struct {
	URL     string
	Kind    string
	Message string
}

// Stats is a point-in-time snapshot of the counters.
type Stats struct {
	RequestBytes  int64
	ResponseBytes int64
	BytesByType   map[string]int64
	BlockedCount  int64
	Failed        int
}

// Tracker accumulates one session's traffic. Safe for concurrent use; the
// smart-wait poller reads it while the hijack router writes.
type Tracker struct {
	mu sync.Mutex

	requestBytes  int64
	responseBytes int64
	bytesByType   map[string]int64
	blockedURLs   []string

	apiResponses    []APIResponse
	scriptResponses []ScriptResponse
	failed          []FailedRequest
}

// NewTracker creates an empty per-session tracker.
func NewTracker() *Tracker {
	return &Tracker{bytesByType: make(map[string]int64)}
}

// RecordRequest counts an outbound request: estimated header size plus body.
func (t *Tracker) RecordRequest(resourceType string, bodyLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := int64(estimatedRequestHeaderBytes + bodyLen)
	t.requestBytes += n
	t.bytesByType[resourceType] += n
}

// RecordResponse counts inbound response bytes for a resource type.
func (t *Tracker) RecordResponse(resourceType string, bodyLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseBytes += int64(bodyLen)
	t.bytesByType[resourceType] += int64(bodyLen)
}

// RecordBlocked notes a request that was refused before any upstream fetch.
// Blocked requests contribute zero outbound bytes.
func (t *Tracker) RecordBlocked(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockedURLs = append(t.blockedURLs, url)
}

// RecordFailure notes a request that errored.
func (t *Tracker) RecordFailure(url, kind, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = append(t.failed, FailedRequest{URL: url, Kind: kind, Message: message})
}

// ParseAPIResponse builds an APIResponse from a raw RPC body. The body is
// parsed as JSON once so every later consumer shares the same parse.
func ParseAPIResponse(url string, body []byte) APIResponse {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = nil
	}
	return APIResponse{URL: url, Raw: string(body), JSON: parsed}
}

// AddAPIResponse captures an RPC body in arrival order.
func (t *Tracker) AddAPIResponse(url string, body []byte) {
	resp := ParseAPIResponse(url, body)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiResponses = append(t.apiResponses, resp)
}

// AddScriptResponse captures a creative-script body.
func (t *Tracker) AddScriptResponse(url string, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scriptResponses = append(t.scriptResponses, ScriptResponse{URL: url, Body: string(body)})
}

// APIResponses returns a copy of the captured RPC bodies in arrival order.
func (t *Tracker) APIResponses() []APIResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]APIResponse, len(t.apiResponses))
	copy(out, t.apiResponses)
	return out
}

// ScriptResponses returns a copy of the captured script bodies in arrival order.
func (t *Tracker) ScriptResponses() []ScriptResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ScriptResponse, len(t.scriptResponses))
	copy(out, t.scriptResponses)
	return out
}

// ScriptURLs returns the URLs of the captured script bodies.
func (t *Tracker) ScriptURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.scriptResponses))
	for i, sr := range t.scriptResponses {
		out[i] = sr.URL
	}
	return out
}

// Failures returns a copy of the failed-request log.
func (t *Tracker) Failures() []FailedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FailedRequest, len(t.failed))
	copy(out, t.failed)
	return out
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	byType := make(map[string]int64, len(t.bytesByType))
	for k, v := range t.bytesByType {
		byType[k] = v
	}
	return Stats{
		RequestBytes:  t.requestBytes,
		ResponseBytes: t.responseBytes,
		BytesByType:   byType,
		BlockedCount:  int64(len(t.blockedURLs)),
		Failed:        len(t.failed),
	}
}
