// Package clients talks to a running bookworm server over HTTP.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"bookworm/internal/respond"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Problem respond.Problem
}

func (e *APIError) Error() string {
	if e.Problem.Code != "" {
		return fmt.Sprintf("bookworm api: %d %s: %s", e.Status, e.Problem.Code, e.Problem.Message)
	}
	return fmt.Sprintf("bookworm api: unexpected status code: %d", e.Status)
}

// IsKind reports whether err is an APIError of the given problem kind.
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Problem.Kind == kind
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Problem.Code == code
}

// LendingClient drives the bookworm HTTP API. Calls go through a circuit
// breaker that trips on transport errors and 5xx answers; domain refusals
// (4xx) and lock contention are ordinary outcomes and keep it closed.
type LendingClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

type Option func(*LendingClient)

func WithHTTPClient(c *http.Client) Option {
	return func(l *LendingClient) { l.http = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *LendingClient) { l.logger = logger }
}

// WithBreakerSettings replaces the default breaker thresholds. Name and
// IsSuccessful are always set by the client.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(l *LendingClient) { l.breaker = l.newBreaker(st) }
}

func NewLendingClient(baseURL string, opts ...Option) *LendingClient {
	l := &LendingClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.breaker == nil {
		l.breaker = l.newBreaker(gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return l
}

func (l *LendingClient) newBreaker(st gobreaker.Settings) *gobreaker.CircuitBreaker {
	st.Name = "bookworm-api"
	st.IsSuccessful = isSuccessful
	onChange := st.OnStateChange
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		l.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	return gobreaker.NewCircuitBreaker(st)
}

func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status < http.StatusInternalServerError || apiErr.Problem.Kind == "concurrency_conflict"
}

// WithToken returns a client acting as the bearer of token. The copy shares
// the transport and the breaker.
func (l *LendingClient) WithToken(token string) *LendingClient {
	c := *l
	c.token = token
	return &c
}

// BreakerState exposes the breaker for health reporting.
func (l *LendingClient) BreakerState() gobreaker.State {
	return l.breaker.State()
}

func (l *LendingClient) do(ctx context.Context, method, path string, body, out any) error {
	_, err := l.breaker.Execute(func() (interface{}, error) {
		return nil, l.roundTrip(ctx, method, path, body, out)
	})
	return err
}

func (l *LendingClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error respond.Problem `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil {
			apiErr.Problem = envelope.Error
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
