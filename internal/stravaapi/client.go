// Package stravaapi is the typed adapter over Strava's REST API (C1):
// token exchange, paginated activity listing, and per-activity photos.
// It classifies every non-2xx outcome into the error taxonomy in
// errors.go so callers never have to parse raw HTTP details.
package stravaapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://www.strava.com/api/v3"

// Config carries the credentials and timing knobs the Client needs.
// ClientID/ClientSecret are only used by ExchangeToken (the ambient login
// flow); ListActivities/ActivityPhotos only need a bearer token.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration // per-call timeout, connect+read combined
	RateLimit    rate.Limit    // requests/sec; 0 disables limiting
	RateBurst    int
}

// Client is a single upstream-adapter handle. Stateless beyond the
// credential configuration and a reusable *http.Client; safe to keep in
// a Client Pool but not safe to share between concurrent callers of the
// same borrowed handle (scoped acquisition in clientpool enforces this).
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	// doRequest is overridable in tests to avoid a live HTTP server.
	doRequest func(ctx context.Context, method, path string, token string, query url.Values) (status int, body []byte, headers http.Header, err error)
}

// New builds a Client from cfg, defaulting BaseURL and Timeout.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	c.doRequest = c.defaultDoRequest
	return c
}

func (c *Client) defaultDoRequest(ctx context.Context, method, path string, token string, query url.Values) (int, []byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, nil, err
		}
	}

	full := c.cfg.BaseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, resp.Header, nil
}

// SetDoRequestForTest overrides the transport used by call, for unit
// tests that want to avoid a live HTTP server.
func (c *Client) SetDoRequestForTest(fn func(ctx context.Context, method, path, token string, query url.Values) (int, []byte, http.Header, error)) {
	c.doRequest = fn
}

// call performs a request and classifies the outcome. 2xx bodies are
// returned verbatim for the caller to unmarshal into the typed shape.
func (c *Client) call(ctx context.Context, op, method, path, token string, query url.Values) ([]byte, error) {
	status, body, headers, err := c.doRequest(ctx, method, path, token, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: op}
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{Op: op}
		}
		return nil, &UpstreamError{Op: op, Err: err}
	}

	if status >= 200 && status < 300 {
		return body, nil
	}

	var eb ErrorBody
	_ = json.Unmarshal(body, &eb) // best-effort; zero value is fine on failure

	hdrs := make(map[string]string, len(headers))
	for k := range headers {
		hdrs[k] = headers.Get(k)
	}
	return nil, classifyHTTPError(op, status, eb, hdrs)
}

// ExchangeToken trades an OAuth authorization code for an access token.
// Ambient: used by the login subsystem (cmd/webd), not the poller core,
// but shares the core's error taxonomy per spec §4.1.
func (c *Client) ExchangeToken(ctx context.Context, code string) (*TokenExchangeResult, error) {
	query := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	}
	body, err := c.call(ctx, "exchangeToken", http.MethodPost, "/oauth/token", "", query)
	if err != nil {
		return nil, err
	}
	var out TokenExchangeResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode token exchange response: %w", err)
	}
	return &out, nil
}

// AuthorizeRedirectURL builds the Strava consent-screen URL. state should
// be a freshly generated opaque CSRF token the caller verifies on the
// callback; see internal/web for the uuid-based generator.
func (c *Client) AuthorizeRedirectURL(redirectURI, state string) string {
	v := url.Values{
		"client_id":       {c.cfg.ClientID},
		"redirect_uri":    {redirectURI},
		"response_type":   {"code"},
		"approval_prompt": {"auto"},
		"scope":           {"activity:read_all"},
		"state":           {state},
	}
	return "https://www.strava.com/oauth/authorize?" + v.Encode()
}

// ListActivities fetches one page of the athlete's activities, descending
// by start time. after/before are Unix-seconds bounds; zero means unset.
func (c *Client) ListActivities(ctx context.Context, token string, p ListActivitiesParams) ([]Activity, error) {
	query := url.Values{}
	if p.Page > 0 {
		query.Set("page", strconv.Itoa(int(p.Page)))
	}
	if p.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(int(p.PerPage)))
	}
	if p.Before > 0 {
		query.Set("before", strconv.FormatInt(p.Before, 10))
	}
	if p.After > 0 {
		query.Set("after", strconv.FormatInt(p.After, 10))
	}

	body, err := c.call(ctx, "listActivities", http.MethodGet, "/athlete/activities", token, query)
	if err != nil {
		return nil, err
	}
	var out []Activity
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode activities response: %w", err)
	}
	return out, nil
}

// ActivityPhotos fetches the photos for a single activity at the given
// requested pixel size.
func (c *Client) ActivityPhotos(ctx context.Context, token string, activityID int64, size int) ([]Photo, error) {
	query := url.Values{
		"size":          {strconv.Itoa(size)},
		"photo_sources": {"true"},
	}
	path := fmt.Sprintf("/activities/%d/photos", activityID)
	body, err := c.call(ctx, "activityPhotos", http.MethodGet, path, token, query)
	if err != nil {
		return nil, err
	}
	var out []Photo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode photos response: %w", err)
	}
	return out, nil
}
