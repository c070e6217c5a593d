package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/engine"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// ErrUnavailable marks failures worth retrying: 5xx, timeouts and refused connections.
var ErrUnavailable = errors.New("upstream unavailable")

// StatusError is a non-retryable 4xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client talks to the question and payment services.
type Client struct {
	http        *http.Client
	questionURL string
	paymentURL  string
	token       string
	log         zerolog.Logger
}

// NewClient creates a Client from config.
func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	return NewClientWithHTTP(cfg, &http.Client{Timeout: cfg.UpstreamTimeout}, log)
}

// NewClientWithHTTP creates a Client that sends requests through hc.
func NewClientWithHTTP(cfg *config.Config, hc *http.Client, log zerolog.Logger) *Client {
	return &Client{
		http:        hc,
		questionURL: strings.TrimRight(cfg.QuestionAPIURL, "/"),
		paymentURL:  strings.TrimRight(cfg.PaymentAPIURL, "/"),
		token:       cfg.UpstreamToken,
		log:         log.With().Str("component", "upstream").Logger(),
	}
}

// FetchQuestions returns the raw body of one page of questions.
func (c *Client) FetchQuestions(ctx context.Context, q engine.QuestionQuery) ([]byte, error) {
	params := url.Values{}
	if q.GradeID != "" {
		params.Set("gradeId", q.GradeID)
	}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("pageSize", strconv.Itoa(q.Limit))
	if q.SessionID != "" {
		params.Set("sessionId", q.SessionID)
	}
	endpoint := fmt.Sprintf("%s/tests/%s/questions?%s", c.questionURL, url.PathEscape(q.TestID), params.Encode())

	status, body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(endpoint, status, body)
	}
	return body, nil
}

// HasAccess reports whether userID has paid for or otherwise been granted testID.
// A 403 or 404 from the payment service means no access.
func (c *Client) HasAccess(ctx context.Context, userID, testID string) (bool, error) {
	params := url.Values{}
	params.Set("userId", userID)
	params.Set("testId", testID)
	endpoint := fmt.Sprintf("%s/access?%s", c.paymentURL, params.Encode())

	status, body, err := c.get(ctx, endpoint)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, c.statusError(endpoint, status, body)
	}

	return parseAccess(body)
}

func (c *Client) get(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Cancellation by the caller is not an upstream fault.
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		c.log.Warn().Err(err).Str("url", endpoint).Msg("Upstream request failed")
		return 0, nil, fmt.Errorf("%w: GET %s: %w", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	c.log.Debug().
		Str("url", endpoint).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Upstream request")

	return resp.StatusCode, body, nil
}

func (c *Client) statusError(endpoint string, status int, body []byte) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: GET %s: status %d", ErrUnavailable, endpoint, status)
	}
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	return &StatusError{Method: http.MethodGet, URL: endpoint, Status: status, Body: snippet}
}

var accessKeys = []string{"hasAccess", "has_access", "access", "allowed"}

func parseAccess(body []byte) (bool, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode access response: %w", err)
	}

	scopes := []map[string]any{payload}
	if data, ok := payload["data"].(map[string]any); ok {
		scopes = append([]map[string]any{data}, scopes...)
	}
	for _, scope := range scopes {
		for _, k := range accessKeys {
			switch v := scope[k].(type) {
			case bool:
				return v, nil
			case string:
				if b, err := strconv.ParseBool(v); err == nil {
					return b, nil
				}
			}
		}
	}
	return false, fmt.Errorf("decode access response: no access flag in %q", string(body))
}
