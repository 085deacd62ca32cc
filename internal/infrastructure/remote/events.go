// Package remote reaches the server tier through the public HTTP API. The CLI uses it as
// the server-side EventStore of the sync manager.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/geo-sightings/internal/domain"
)

const apiKeyHeader = "x-api-key"

// ScanResponse is the body of GET /v1/events/scan.
type ScanResponse struct {
	Events    []*domain.Event    `json:"events"`
	Truncated bool               `json:"truncated"`
	Next      *domain.ScanCursor `json:"next,omitempty"`
}

// CreateResponse is the body of a successful POST /v1/events.
type CreateResponse struct {
	Success         bool          `json:"success"`
	MessageID       string        `json:"messageId"`
	NotifiedDevices int           `json:"notifiedDevices"`
	Event           *domain.Event `json:"event"`
}

type errorBody struct {
	Message   string `json:"message"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// EventStore implements Insert and RangeScan against the sightings API. It also carries
// device registration for the CLI.
type EventStore struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewEventStore(baseURL, apiKey string, client *http.Client) *EventStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &EventStore{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: client}
}

// Insert reports e. The server stamps the time and assigns the ID; e is overwritten with
// the stored event.
func (s *EventStore) Insert(ctx context.Context, e *domain.Event) (string, error) {
	created, err := s.Report(ctx, domain.CreateEventRequest{Category: e.Category, Location: e.Location})
	if err != nil {
		return "", err
	}
	if created.Event != nil {
		*e = *created.Event
	} else {
		e.ID = created.MessageID
	}
	return created.MessageID, nil
}

// Report posts a sighting and returns the server's acknowledgement.
func (s *EventStore) Report(ctx context.Context, req domain.CreateEventRequest) (*CreateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	var out CreateResponse
	if err := s.do(ctx, http.MethodPost, "/v1/events", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RangeScan fetches one range from the server, following the page cursor until the range
// is exhausted. The server applies its own expiry, so every event yielded was live when its
// page was served. A page that ends without a usable cursor fails the scan rather than
// returning a silently short range.
func (s *EventStore) RangeScan(ctx context.Context, r domain.ScanRange) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		q := url.Values{}
		q.Set("field", string(r.Field))
		q.Set("start", r.Start)
		q.Set("end", r.End)
		if !r.CreatedAfter.IsZero() {
			q.Set("createdAfter", strconv.FormatInt(r.CreatedAfter.UnixMilli(), 10))
		}
		var after domain.ScanCursor
		for {
			if !after.IsZero() {
				q.Set("afterKey", after.Key)
				q.Set("afterId", after.ID)
			}
			var out ScanResponse
			if err := s.do(ctx, http.MethodGet, "/v1/events/scan", q, nil, &out); err != nil {
				yield(nil, err)
				return
			}
			for _, e := range out.Events {
				if err := e.Validate(); err != nil {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
			if !out.Truncated {
				return
			}
			next := out.Next
			if next == nil && len(out.Events) > 0 {
				c := domain.CursorAt(out.Events[len(out.Events)-1], r.Field)
				next = &c
			}
			if next == nil || next.IsZero() || !after.Before(next.Key, next.ID) {
				yield(nil, domain.Unavailable("scan "+string(r.Field), errors.New("truncated page without an advancing cursor")))
				return
			}
			slog.Debug("remote scan page", "field", r.Field, "start", r.Start, "events", len(out.Events))
			after = *next
		}
	}
}

func (s *EventStore) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return domain.Invalid("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set(apiKeyHeader, s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return domain.Unavailable(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(method+" "+path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Unavailable("decode "+path, err)
	}
	return nil
}

// statusError maps a non-2xx response onto the domain sentinels.
func statusError(op string, resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	msg := eb.Error
	if msg == "" {
		msg = eb.Message
	}
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		sentinel = domain.ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		sentinel = domain.ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		sentinel = domain.ErrRateLimited
	case resp.StatusCode >= 500:
		sentinel = domain.ErrStoreUnavailable
	case resp.StatusCode >= 400:
		sentinel = domain.ErrInvalidArgument
	default:
		sentinel = errors.New("unexpected status")
	}
	return fmt.Errorf("%s: %s: %w", op, msg, sentinel)
}
