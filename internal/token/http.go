package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/MrWong99/voicelink/internal/observe"
)

// maxResponseBytes bounds the token endpoint response.
const maxResponseBytes = 64 << 10

// HTTP issues tokens from an HTTP endpoint. Requests carry the user's access
// token as an OAuth2 bearer token.
//
// The endpoint answers with either
//
//	{"data": {"token": "...", "expiresAt": "RFC3339", "sessionId": "...", "userId": "..."}}
//
// or, on failure,
//
//	{"error": {"code": "...", "message": "..."}}
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
	metrics  *observe.Metrics
}

var _ Issuer = (*HTTP)(nil)

type httpConfig struct {
	apiKey  string
	base    *http.Client
	timeout time.Duration
	metrics *observe.Metrics
}

// HTTPOption configures an [HTTP] issuer.
type HTTPOption func(*httpConfig)

// WithAPIKey sets the value sent in the apikey header, which gateways in
// front of the endpoint use to identify the project.
func WithAPIKey(key string) HTTPOption {
	return func(c *httpConfig) { c.apiKey = key }
}

// WithHTTPClient sets the client the OAuth2 transport wraps.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *httpConfig) { c.base = client }
}

// WithTimeout sets a per-request timeout. Default 10s.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) { c.timeout = d }
}

// WithMetrics records issue latency on m.
func WithMetrics(m *observe.Metrics) HTTPOption {
	return func(c *httpConfig) { c.metrics = m }
}

// NewHTTP returns an issuer posting to endpoint. ts supplies the user's
// access token; with a nil ts requests carry no Authorization header.
func NewHTTP(endpoint string, ts oauth2.TokenSource, opts ...HTTPOption) *HTTP {
	cfg := &httpConfig{timeout: 10 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	var client *http.Client
	switch {
	case ts != nil:
		ctx := context.Background()
		if cfg.base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.base)
		}
		client = oauth2.NewClient(ctx, ts)
	case cfg.base != nil:
		c := *cfg.base
		client = &c
	default:
		client = &http.Client{}
	}
	client.Timeout = cfg.timeout

	return &HTTP{
		endpoint: endpoint,
		apiKey:   cfg.apiKey,
		client:   client,
		metrics:  cfg.metrics,
	}
}

type issueResponse struct {
	Data *struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// IssueEphemeralToken implements [Issuer].
func (h *HTTP) IssueEphemeralToken(ctx context.Context) (tok Token, err error) {
	ctx, span := observe.StartSpan(ctx, "token.issue")
	start := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.TokenIssueDuration.Record(ctx, time.Since(start).Seconds())
		}
		observe.EndSpan(span, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Token{}, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("apikey", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token: http: %w", err)
	}
	defer resp.Body.Close()

	var body issueResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Token{}, &IssueError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return Token{}, fmt.Errorf("token: decode response: %w", err)
	}
	if body.Error != nil {
		return Token{}, &IssueError{StatusCode: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &IssueError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if body.Data == nil || body.Data.Token == "" {
		return Token{}, ErrEmptyToken
	}

	tok = Token{
		Value:     body.Data.Token,
		SessionID: body.Data.SessionID,
		UserID:    body.Data.UserID,
	}
	if body.Data.ExpiresAt != "" {
		if tok.ExpiresAt, err = time.Parse(time.RFC3339, body.Data.ExpiresAt); err != nil {
			return Token{}, fmt.Errorf("token: parse expiresAt: %w", err)
		}
	}
	return tok, nil
}
