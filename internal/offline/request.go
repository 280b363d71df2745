// Package offline keeps the app usable while the backend is unreachable.
//
// The Worker sits in front of every outgoing request as an http.RoundTripper:
// - reads are served network-first (API) or stale-while-revalidate (assets)
//   from two cache pools
// - writes that fail on the network are queued and acknowledged with 202
// - queued writes are replayed in order when a sync event fires
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a step of the per-request state machine
type State int

const (
	StateIssued State = iota
	StateNetworkSucceeded
	StateNetworkFailed
	StateCached
	StateQueued
	StateReplaying
	StateReplaySucceeded
	StateReplayFailed
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateNetworkSucceeded:
		return "network_succeeded"
	case StateNetworkFailed:
		return "network_failed"
	case StateCached:
		return "cached"
	case StateQueued:
		return "queued"
	case StateReplaying:
		return "replaying"
	case StateReplaySucceeded:
		return "replay_succeeded"
	case StateReplayFailed:
		return "replay_failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event reports a state transition to observers
type Event struct {
	State     State     `json:"state"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	RequestID string    `json:"request_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	QueueLen  int       `json:"queue_len"`
	Time      time.Time `json:"time"`
}

// IsMutating reports whether requests with this method are queued when offline.
func IsMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// QueuedRequest is a write that could not reach the network
type QueuedRequest struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Header    http.Header `json:"header"`
	Body      string      `json:"body"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	QueuedAt  time.Time   `json:"queued_at"`
}

// newQueuedRequest serializes req. body is the already-buffered request body.
func newQueuedRequest(req *http.Request, body []byte, cause error) *QueuedRequest {
	q := &QueuedRequest{
		ID:       uuid.New().String(),
		URL:      req.URL.String(),
		Method:   strings.ToUpper(req.Method),
		Header:   req.Header.Clone(),
		Body:     string(body),
		QueuedAt: time.Now().UTC(),
	}
	if q.Header == nil {
		q.Header = http.Header{}
	}
	if cause != nil {
		q.LastError = cause.Error()
	}
	return q
}

// NewRequest rebuilds the HTTP request with identical method, headers and body.
func (q *QueuedRequest) NewRequest(ctx context.Context) (*http.Request, error) {
	body := []byte(q.Body)
	req, err := http.NewRequestWithContext(ctx, q.Method, q.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild queued request %s: %w", q.ID, err)
	}
	req.Header = q.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req, nil
}

// QueuedBody is the JSON body returned for a write accepted into the queue
type QueuedBody struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

// OfflineBody is the JSON body returned for an API read with no cached copy
type OfflineBody struct {
	Offline bool   `json:"offline"`
	Error   string `json:"error"`
}

const (
	queuedMessage  = "Request will sync when online"
	noCacheMessage = "No cached data available"
)

func queuedResponse(req *http.Request) *http.Response {
	return jsonResponse(req, http.StatusAccepted, QueuedBody{Queued: true, Message: queuedMessage})
}

func offlineResponse(req *http.Request) *http.Response {
	return jsonResponse(req, http.StatusServiceUnavailable, OfflineBody{Offline: true, Error: noCacheMessage})
}

func jsonResponse(req *http.Request, status int, body interface{}) *http.Response {
	data, _ := json.Marshal(body)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}
}
