// Package osu implements stats.Provider against the osu! API v2.
package osu

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultBaseURL is the osu! API v2 root.
	DefaultBaseURL = "https://osu.ppy.sh/api/v2"

	// DefaultTokenURL issues client-credentials tokens.
	DefaultTokenURL = "https://osu.ppy.sh/oauth/token"

	// Mode is the ruleset every request is scoped to.
	Mode = "osu"
)

// Client provides access to the osu! REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tokens     *tokenSource // nil when unauthenticated

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new API client. Without WithClientCredentials or
// WithHTTPClient requests are sent unauthenticated.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientCredentials authenticates requests with an OAuth2
// client-credentials token for the "public" scope. The token is fetched on
// first use, refreshed before it expires, and discarded when the API
// rejects it. Apply it after WithTimeout or WithHTTPClient: the current
// client becomes the token transport.
func WithClientCredentials(clientID, clientSecret, tokenURL string) ClientOption {
	return func(c *Client) {
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		base := c.httpClient
		ts := &tokenSource{
			cfg: clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				TokenURL:     tokenURL,
				Scopes:       []string{"public"},
			},
			ctx: context.WithValue(context.Background(), oauth2.HTTPClient, base),
		}
		ts.reset()
		c.tokens = ts
		c.httpClient = &http.Client{
			Timeout:   base.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
		}
	}
}

// tokenSource caches client-credentials tokens. reset drops the cached
// token so the next request fetches a new one.
type tokenSource struct {
	cfg clientcredentials.Config
	ctx context.Context

	mu  sync.Mutex
	src oauth2.TokenSource
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Token()
}

func (s *tokenSource) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = s.cfg.TokenSource(s.ctx)
}
