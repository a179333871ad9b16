package upstox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"quantfeed/config"
	"quantfeed/internal/stream"
	"quantfeed/logger"
)

const (
	MarketAuthorizePath    = "/v3/feed/market-data-feed/authorize"
	PortfolioAuthorizePath = "/v2/feed/portfolio-stream-feed/authorize"
	MarketStatusPath       = "/v2/market/status/"

	DefaultMarketFeedURL    = "wss://api.upstox.com/v3/feed/market-data-feed"
	DefaultPortfolioFeedURL = "wss://api.upstox.com/v3/feed/portfolio-stream-feed"
)

// ErrUnauthorized is returned when the API rejects the access token.
var ErrUnauthorized = errors.New("upstox: access token rejected")

// API is a small rate limited client for the REST endpoints the feeds need.
type API struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewAPI builds the REST client from the auth section of the configuration.
func NewAPI(cfg config.AuthConfig) *API {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: userAgentTransport{agent: userAgent, base: http.DefaultTransport},
	}
	return &API{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        logger.GetLogger(),
	}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// get issues an authenticated GET and decodes the data member of the
// response envelope into out.
func (a *API) get(ctx context.Context, path string, query url.Values, token string, out any) error {
	log := a.log.WithComponent("upstox_api").WithField("path", path)

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(log, "upstox_api", "get", time.Since(start), logger.Fields{"status": resp.StatusCode})

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", path, ErrUnauthorized)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
		}
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	if resp.StatusCode >= 300 || (env.Status != "" && env.Status != "success") {
		msg := http.StatusText(resp.StatusCode)
		if len(env.Errors) > 0 {
			msg = env.Errors[0].ErrorCode + " " + env.Errors[0].Message
		}
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", path, err)
	}
	return nil
}

type authorizeData struct {
	AuthorizedRedirectURI      string `json:"authorized_redirect_uri"`
	AuthorizedRedirectURICamel string `json:"authorizedRedirectUri"`
}

func (d authorizeData) uri() string {
	if d.AuthorizedRedirectURI != "" {
		return d.AuthorizedRedirectURI
	}
	return d.AuthorizedRedirectURICamel
}

// Authorizer resolves the feed socket URL through the authorize endpoint at
// path. The returned URL already carries the session credential.
func (a *API) Authorizer(path string, query url.Values) stream.Authorizer {
	return stream.AuthorizerFunc(func(ctx context.Context, token string) (stream.Endpoint, error) {
		var data authorizeData
		if err := a.get(ctx, path, query, token, &data); err != nil {
			return stream.Endpoint{}, err
		}
		uri := data.uri()
		if uri == "" {
			return stream.Endpoint{}, fmt.Errorf("%s: response carries no authorized redirect uri", path)
		}
		return stream.Endpoint{URL: uri}, nil
	})
}

// MarketStatus is the trading status of one exchange.
type MarketStatus struct {
	Exchange    string `json:"exchange"`
	Status      string `json:"status"`
	LastUpdated int64  `json:"last_updated"`
}

// MarketStatus fetches the current status of exchange, e.g. NSE.
func (a *API) MarketStatus(ctx context.Context, token, exchange string) (MarketStatus, error) {
	exchange = strings.ToUpper(strings.TrimSpace(exchange))
	if exchange == "" {
		return MarketStatus{}, fmt.Errorf("exchange is required")
	}
	var st MarketStatus
	if err := a.get(ctx, MarketStatusPath+url.PathEscape(exchange), nil, token, &st); err != nil {
		return MarketStatus{}, err
	}
	return st, nil
}
