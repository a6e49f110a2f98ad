package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/ha-sync/internal/entities"
	"github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/alexjbarnes/ha-sync/internal/models"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=rest.go -destination=mock_rest_test.go -package=hass

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// restTimeout bounds every REST call. Sync steps run on the worker,
	// so a slow hub must not stall the loop for long.
	restTimeout = 2500 * time.Millisecond

	// maxRESTResponseBytes caps response body reads. A single state object
	// with a forecast stays well below this.
	maxRESTResponseBytes = 256 * 1024
)

// StateAPI is the request/response side channel to the hub. RESTClient
// implements it; tests substitute a mock.
type StateAPI interface {
	FetchState(ctx context.Context, entityID string) ([]byte, error)
	FetchDailyForecast(ctx context.Context, entityID string) ([]models.ForecastDay, error)
	CallService(ctx context.Context, domain, service string, data json.RawMessage) error
}

// RESTClient talks to the hub REST API.
type RESTClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// the hub.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// RESTBaseURL derives the REST base URL from the websocket URL:
// ws becomes http, wss becomes https, host and port are kept.
func RESTBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing websocket url: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidArgument, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: websocket url has no host", errors.ErrInvalidArgument)
	}

	return u.Scheme + "://" + u.Host, nil
}

// NewRESTClient creates a client for baseURL. Connections are dialled
// through resolver so the cached address is used when DNS is down.
func NewRESTClient(baseURL, token string, resolver *Resolver) *RESTClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: restTimeout,
	}
	if resolver != nil {
		transport.DialContext = resolver.DialContext
	}

	return &RESTClient{
		httpClient: &http.Client{
			Timeout:       restTimeout,
			CheckRedirect: sameHostRedirectPolicy,
			Transport:     transport,
		},
		baseURL: baseURL,
		token:   token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and returns the body of a 2xx response.
func (c *RESTClient) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &errors.TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTResponseBytes))
	if err != nil {
		return nil, &errors.TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return respBody, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", endpoint, errors.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s returned status %d: %w", endpoint, resp.StatusCode, errors.ErrAuthRejected)
	case isTransientStatus(resp.StatusCode):
		return nil, &errors.TransientError{Err: fmt.Errorf("%s returned status %d: %s",
			endpoint, resp.StatusCode, sanitizeResponseBody(respBody))}
	default:
		return nil, fmt.Errorf("%s returned status %d: %s: %w",
			endpoint, resp.StatusCode, sanitizeResponseBody(respBody), errors.ErrInvalidResponse)
	}
}

// FetchState returns the raw state object of one entity.
func (c *RESTClient) FetchState(ctx context.Context, entityID string) ([]byte, error) {
	if entityID == "" {
		return nil, fmt.Errorf("fetching state: %w", errors.ErrInvalidArgument)
	}

	body, err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching state of %s: %w", entityID, err)
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("fetching state of %s: body is not an object: %w", entityID, errors.ErrInvalidResponse)
	}

	return body, nil
}

type forecastServiceData struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

// FetchDailyForecast asks the hub for the daily forecast of a weather
// entity. A response without a forecast yields ErrNotFound.
func (c *RESTClient) FetchDailyForecast(ctx context.Context, entityID string) ([]models.ForecastDay, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/services/weather/get_forecasts?return_response",
		forecastServiceData{Type: "daily", EntityID: entityID})
	if err != nil {
		return nil, fmt.Errorf("fetching forecast of %s: %w", entityID, err)
	}

	days := entities.ForecastFromResponse(body)
	if len(days) == 0 {
		return nil, fmt.Errorf("fetching forecast of %s: %w", entityID, errors.ErrNotFound)
	}

	return days, nil
}

// CallService issues a service call and reports the hub's verdict.
func (c *RESTClient) CallService(ctx context.Context, domain, service string, data json.RawMessage) error {
	if domain == "" || service == "" {
		return fmt.Errorf("calling service: %w", errors.ErrInvalidArgument)
	}

	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	endpoint := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	if _, err := c.do(ctx, http.MethodPost, endpoint, data); err != nil {
		return fmt.Errorf("calling %s.%s: %w", domain, service, err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
