package arcgis

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
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

// ErrNotFound is returned when a user or group lookup has no match
var ErrNotFound = errors.New("arcgis: not found")

const (
	tokenExpirationMinutes = 60
	tokenRefreshMargin     = 5 * time.Minute
	groupPageSize          = 100
)

// User is the subset of an ArcGIS community user the relay reads
type User struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FullName  string `json:"fullName,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Group is the subset of an ArcGIS group the relay reads
type Group struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Directory is the ArcGIS portal surface used by the group engine
type Directory interface {
	GetUser(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindGroupByTitle(ctx context.Context, title string) (*Group, error)
	AddUserToGroup(ctx context.Context, groupID, username string) error
	ListGroupTitles(ctx context.Context, query string) ([]string, error)
}

// APIError is an error envelope returned by the portal, usually with HTTP 200
type APIError struct {
	Status  int      `json:"-"`
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("arcgis error %d: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
}

// Client talks to the ArcGIS sharing REST API with an application login
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	limiter      *rate.Limiter
	metrics      *observability.Metrics
	now          func() time.Time
	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

// Options configures a Client
type Options struct {
	PortalURL      string
	Username       string
	Password       string
	Timeout        time.Duration
	RequestsPerSec float64
}

// OptionsFromConfig derives client options from relay configuration
func OptionsFromConfig(cfg config.ArcGISConfig) Options {
	return Options{
		PortalURL:      cfg.ClientURL,
		Username:       cfg.ClientID,
		Password:       cfg.ClientSecret,
		Timeout:        cfg.Timeout,
		RequestsPerSec: cfg.RequestsPerSec,
	}
}

// NewClient creates a portal client. metrics may be nil.
func NewClient(opts Options, metrics *observability.Metrics) (*Client, error) {
	base, err := APIBaseURL(opts.PortalURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
		burst = int(opts.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		baseURL:  base,
		username: opts.Username,
		password: opts.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// APIBaseURL turns a portal home URL such as https://host/portal/home/ into
// the API root https://host/portal/.
func APIBaseURL(portalURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(portalURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid ArcGIS portal URL %q", portalURL)
	}
	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/home")
	u.Path = path + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "sharing/rest/" + strings.TrimLeft(path, "/")
}

// accessToken returns a cached application token, requesting a new one when
// it is within tokenRefreshMargin of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpires.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	form := url.Values{
		"username":   {c.username},
		"password":   {c.password},
		"client":     {"referer"},
		"referer":    {c.baseURL},
		"expiration": {strconv.Itoa(tokenExpirationMinutes)},
		"f":          {"json"},
	}
	var resp struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := c.do(ctx, "generate_token", http.MethodPost, c.endpoint("generateToken"), form, &resp); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("generate token: empty token in response")
	}

	c.token = resp.Token
	if resp.Expires > 0 {
		c.tokenExpires = time.UnixMilli(resp.Expires)
	} else {
		c.tokenExpires = c.now().Add(tokenExpirationMinutes * time.Minute)
	}
	return c.token, nil
}

// do performs one rate-limited call and decodes the JSON body into out.
// Portal error envelopes become *APIError.
func (c *Client) do(ctx context.Context, op, method, endpoint string, form url.Values, out interface{}) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveUpstream("arcgis", op, start, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var req *http.Request
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+form.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if envelope.Error != nil {
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) authed(ctx context.Context, params url.Values) (url.Values, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("f", "json")
	params.Set("token", token)
	return params, nil
}

// GetUser looks a user up by username
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, ErrNotFound
	}
	params, err := c.authed(ctx, nil)
	if err != nil {
		return nil, err
	}
	var user User
	err = c.do(ctx, "get_user", http.MethodGet, c.endpoint("community/users/"+url.PathEscape(username)), params, &user)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if user.Username == "" {
		return nil, ErrNotFound
	}
	return &user, nil
}

// FindUserByEmail searches by email and falls back to a username prefix
// built from the email's local part.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	users, err := c.searchUsers(ctx, "email:"+email)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return &users[0], nil
	}

	local, _, _ := strings.Cut(email, "@")
	users, err = c.searchUsers(ctx, "username:"+local+"*")
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return &users[0], nil
	}
	return nil, ErrNotFound
}

func (c *Client) searchUsers(ctx context.Context, query string) ([]User, error) {
	params, err := c.authed(ctx, url.Values{"q": {query}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []User `json:"results"`
	}
	if err := c.do(ctx, "search_users", http.MethodGet, c.endpoint("community/users"), params, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// FindGroupByTitle returns the first search hit when its title matches
// case-insensitively.
func (c *Client) FindGroupByTitle(ctx context.Context, title string) (*Group, error) {
	if title == "" {
		return nil, ErrNotFound
	}
	params, err := c.authed(ctx, url.Values{"q": {"title:" + title}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []Group `json:"results"`
	}
	if err := c.do(ctx, "search_groups", http.MethodGet, c.endpoint("community/groups"), params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || !strings.EqualFold(resp.Results[0].Title, title) {
		return nil, ErrNotFound
	}
	return &resp.Results[0], nil
}

// AddUserToGroup adds username to the group. A user reported back in
// notAdded is an error.
func (c *Client) AddUserToGroup(ctx context.Context, groupID, username string) error {
	params, err := c.authed(ctx, url.Values{"users": {username}})
	if err != nil {
		return err
	}
	var resp struct {
		NotAdded []string `json:"notAdded"`
	}
	endpoint := c.endpoint("community/groups/" + url.PathEscape(groupID) + "/addUsers")
	if err := c.do(ctx, "add_users", http.MethodPost, endpoint, params, &resp); err != nil {
		return err
	}
	for _, u := range resp.NotAdded {
		if u == username {
			return fmt.Errorf("arcgis: user %s was not added to group %s", username, groupID)
		}
	}
	return nil
}

// ListGroupTitles pages through a group search and returns every title
func (c *Client) ListGroupTitles(ctx context.Context, query string) ([]string, error) {
	if query == "" {
		query = "*"
	}
	var titles []string
	start := 1
	for {
		params, err := c.authed(ctx, url.Values{
			"q":     {query},
			"start": {strconv.Itoa(start)},
			"num":   {strconv.Itoa(groupPageSize)},
		})
		if err != nil {
			return nil, err
		}
		var page struct {
			Results   []Group `json:"results"`
			NextStart int     `json:"nextStart"`
		}
		if err := c.do(ctx, "list_groups", http.MethodGet, c.endpoint("community/groups"), params, &page); err != nil {
			return nil, err
		}
		for _, g := range page.Results {
			if g.Title != "" {
				titles = append(titles, g.Title)
			}
		}
		if page.NextStart <= 0 || page.NextStart <= start || len(page.Results) == 0 {
			return titles, nil
		}
		start = page.NextStart
	}
}
