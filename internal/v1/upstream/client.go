// Package upstream talks to the external identity service. It covers the
// three calls the engine makes: resolving a session token to a user,
// fetching chart metadata for SelectChart, and fetching a play record
// for the Played path.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
	"github.com/cadenza-live/linkplay/internal/v1/metrics"
	"github.com/cadenza-live/linkplay/internal/v1/types"
)

const (
	authTimeout  = 10 * time.Second
	fetchTimeout = 20 * time.Second

	// maxBodySize bounds upstream response bodies; the payloads here are
	// small JSON documents.
	maxBodySize = 1 << 20
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("identity service unavailable")

// StatusError is a non-2xx upstream reply.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.Code)
}

// Client is the HTTP client for the identity service. Safe for
// concurrent use; all calls go through one circuit breaker so a dead
// upstream fails fast for every caller.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewClient builds a client for the given API base URL.
func NewClient(baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "upstream breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: fetchTimeout},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

type meResponse struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Me resolves a session token to its user.
func (c *Client) Me(ctx context.Context, token string) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	var out meResponse
	err := c.getJSON(ctx, "/me", "me", token, &out)
	if err != nil {
		return types.User{}, err
	}
	return types.User{ID: types.UserIDType(out.ID), Name: out.Name}, nil
}

type chartResponse struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Chart fetches chart metadata by id.
func (c *Client) Chart(ctx context.Context, id int32) (types.ChartInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var out chartResponse
	err := c.getJSON(ctx, fmt.Sprintf("/chart/%d", id), "chart", "", &out)
	if err != nil {
		return types.ChartInfo{}, err
	}
	return types.ChartInfo{ID: out.ID, Name: out.Name}, nil
}

type recordResponse struct {
	ID       int32   `json:"id"`
	Score    int32   `json:"score"`
	Accuracy float32 `json:"accuracy"`
	Perfect  int32   `json:"perfect"`
	Good     int32   `json:"good"`
	Bad      int32   `json:"bad"`
	Miss     int32   `json:"miss"`
	MaxCombo int32   `json:"max_combo"`
}

// Record fetches a finished play record by id.
func (c *Client) Record(ctx context.Context, id int32) (types.PlayerScore, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var out recordResponse
	err := c.getJSON(ctx, fmt.Sprintf("/record/%d", id), "record", "", &out)
	if err != nil {
		return types.PlayerScore{}, err
	}
	return types.PlayerScore{
		Score:    out.Score,
		Accuracy: out.Accuracy,
		Perfect:  out.Perfect,
		Good:     out.Good,
		Bad:      out.Bad,
		Miss:     out.Miss,
		MaxCombo: out.MaxCombo,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path, endpoint, bearer string, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			metrics.UpstreamRequests.WithLabelValues(endpoint, fmt.Sprint(resp.StatusCode)).Inc()
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
			return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
			return nil, err
		}
		if err := json.Unmarshal(body, out); err != nil {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
			return nil, fmt.Errorf("decoding %s response: %w", endpoint, err)
		}
		metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}
