// Package keystoreclient lets a resource server check bearer access tokens
// against a keystore deployment. Successful lookups are cached until the
// token expires or the cache TTL elapses, whichever comes first.
package keystoreclient

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

	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenExpired  = errors.New("access token expired")
	ErrEmptyToken    = errors.New("access token is empty")
)

// DefaultCacheTTL bounds how long a grant is served without asking the server.
const DefaultCacheTTL = 30 * time.Second

// APIError is a non-success answer of the keystore API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keystore: %d %s: %s", e.Status, e.Code, e.Message)
}

// Grant is what an access token entitles its bearer to.
type Grant struct {
	UserID     string
	ClientID   string
	Scope      map[string][]string
	Attributes map[string]string
	ExpiresAt  time.Time
}

// Allows reports whether the grant carries verb on resource.
func (g *Grant) Allows(resource, verb string) bool {
	for _, v := range g.Scope[resource] {
		if v == verb {
			return true
		}
	}
	return false
}

// Client talks to the /keys API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
	cacheTTL   time.Duration
	cache      *gocache.Cache
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 10s.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBasicAuth sets the management credentials sent on every request.
func WithBasicAuth(username, password string) Option {
	return func(cl *Client) { cl.username, cl.password = username, password }
}

// WithCacheTTL sets the grant cache bound. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cl *Client) { cl.cacheTTL = ttl }
}

// New creates a client for the keystore at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   DefaultCacheTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheTTL > 0 {
		c.cache = gocache.New(c.cacheTTL, 2*c.cacheTTL)
	}
	return c
}

// Introspect resolves accessToken into its grant.
func (c *Client) Introspect(ctx context.Context, accessToken string) (*Grant, error) {
	if accessToken == "" {
		return nil, ErrEmptyToken
	}
	if c.cache != nil {
		if v, ok := c.cache.Get(accessToken); ok {
			g := v.(*Grant)
			if c.now().Before(g.ExpiresAt) {
				return g, nil
			}
			c.cache.Delete(accessToken)
		}
	}

	var key keyJSON
	if err := c.get(ctx, "/keys/token/"+url.PathEscape(accessToken), &key); err != nil {
		return nil, err
	}
	grant := key.grant()
	if !c.now().Before(grant.ExpiresAt) || key.AuthToken.Expired {
		return nil, ErrTokenExpired
	}
	if c.cache != nil {
		ttl := grant.ExpiresAt.Sub(c.now())
		if ttl > c.cacheTTL {
			ttl = c.cacheTTL
		}
		c.cache.Set(accessToken, grant, ttl)
	}
	return grant, nil
}

// Invalidate drops a cached grant, e.g. after the bearer logged out.
func (c *Client) Invalidate(accessToken string) {
	if c.cache != nil {
		c.cache.Delete(accessToken)
	}
}

// ================================================================================
// Wire format
// ================================================================================

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type keyJSON struct {
	UserID    string `json:"userId"`
	ClientID  string `json:"clientId"`
	AuthToken struct {
		Expiration int64 `json:"expiration"`
		Expired    bool  `json:"expired"`
		Scope      []struct {
			Resource string   `json:"resource"`
			Verbs    []string `json:"verbs"`
		} `json:"scope"`
	} `json:"authToken"`
	Attributes map[string]string `json:"attributes"`
}

func (k *keyJSON) grant() *Grant {
	scope := make(map[string][]string, len(k.AuthToken.Scope))
	for _, r := range k.AuthToken.Scope {
		scope[r.Resource] = append(scope[r.Resource], r.Verbs...)
	}
	return &Grant{
		UserID:     k.UserID,
		ClientID:   k.ClientID,
		Scope:      scope,
		Attributes: k.Attributes,
		ExpiresAt:  time.Unix(k.AuthToken.Expiration, 0),
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			// gin's basic auth rejects with an empty body.
			text := http.StatusText(resp.StatusCode)
			return &APIError{Status: resp.StatusCode, Code: strings.ToLower(strings.ReplaceAll(text, " ", "_")), Message: text}
		}
		return &APIError{Status: resp.StatusCode, Code: "invalid_response", Message: err.Error()}
	}
	if !env.Success || resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrTokenNotFound, apiErr)
		case apiErr.Code == "access_token_expired" || apiErr.Code == "key_expired":
			return fmt.Errorf("%w: %w", ErrTokenExpired, apiErr)
		}
		return apiErr
	}
	return json.Unmarshal(env.Data, out)
}
