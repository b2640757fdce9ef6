// Package jira implements the pmprovider port on the Jira Cloud REST and
// Agile APIs. Requests use basic auth with the account email and API token,
// pass the credential's token bucket and the shared circuit breaker, and
// are retried after a 429.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/jira"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/pmprovider"
	"github.com/ashwinsrini/how-do-i-fare/internal/ratelimit"
	"github.com/ashwinsrini/how-do-i-fare/internal/resilience"
)

const (
	projectPageSize = 50
	maxProjectPages = 100
	maxBodyInError  = 512
)

// Config holds the client settings shared by every credential.
type Config struct {
	Scheme         string // "https" unless testing
	PageSize       int
	AcquireTimeout time.Duration
	Throttle       resilience.ThrottlePolicy
}

// APIError is a non-2xx response from Jira.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API %d: %s", e.Status, e.Body)
}

// Factory builds per-credential clients sharing one limiter registry, one
// breaker and one instrumented transport.
type Factory struct {
	cfg      Config
	limiters *ratelimit.Registry
	breaker  *resilience.Breaker
	http     *http.Client
}

// NewFactory creates a client factory.
func NewFactory(cfg Config, limiters *ratelimit.Registry, breaker *resilience.Breaker) *Factory {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	return &Factory{
		cfg:      cfg,
		limiters: limiters,
		breaker:  breaker.TripOn(tripsBreaker),
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// New returns a client for auth. It satisfies pmprovider.Factory.
func (f *Factory) New(auth pmprovider.Auth, onThrottle func(wait time.Duration)) pmprovider.Client {
	return &Client{
		baseURL:    f.cfg.Scheme + "://" + strings.TrimSuffix(auth.Domain, "/"),
		email:      auth.Email,
		token:      auth.Token,
		http:       f.http,
		bucket:     f.limiters.For(auth.Email + ":" + auth.Token),
		breaker:    f.breaker,
		cfg:        f.cfg,
		onThrottle: onThrottle,
		now:        time.Now,
		sleep:      resilience.Sleep,
	}
}

// Client is one credential's view of a Jira site.
type Client struct {
	baseURL    string
	email      string
	token      string
	http       *http.Client
	bucket     *ratelimit.Bucket
	breaker    *resilience.Breaker
	cfg        Config
	onThrottle func(time.Duration)
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

var _ pmprovider.Client = (*Client)(nil)

// get issues a GET against path with query and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.bucket.Acquire(ctx, c.cfg.AcquireTimeout); err != nil {
			return fmt.Errorf("jira %s: %w", op, err)
		}

		var (
			body   []byte
			header http.Header
			status int
		)
		err := c.breaker.Execute(func() error {
			var reqErr error
			body, header, status, reqErr = c.doRequest(ctx, reqURL)
			return reqErr
		})
		if header != nil {
			c.observe(header)
		}
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("jira %s: parse response: %w", op, err)
			}
			return nil
		}

		if !resilience.Throttled(status, header, false) {
			return fmt.Errorf("jira %s: %w", op, err)
		}
		if attempt >= c.cfg.Throttle.MaxRetries {
			return fmt.Errorf("jira %s: %w: %w", op, pmprovider.ErrThrottled, err)
		}

		wait := c.cfg.Throttle.Wait(header, c.now())
		slog.Warn("jira rate limited", "op", op, "attempt", attempt+1, "wait", wait)
		c.bucket.Drain()
		if c.onThrottle != nil {
			c.onThrottle(wait)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("jira %s: %w", op, err)
		}
		c.bucket.Fill()
	}
}

func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req) //nolint:gosec // URL is built from the credential's site domain
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.Header, resp.StatusCode, &APIError{Status: resp.StatusCode, Body: truncateBody(respBody, maxBodyInError)}
	}
	return respBody, resp.Header, resp.StatusCode, nil
}

// truncateBody cuts b to at most n bytes without splitting a UTF-8 rune.
func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n])
}

// observe feeds the remaining-quota header into the bucket when Jira sends one.
func (c *Client) observe(h http.Header) {
	if rem, ok := resilience.Remaining(h); ok {
		c.bucket.UpdateFromHeaders(rem)
	}
}

// tripsBreaker counts transport failures and 5xx responses.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

type apiUser struct {
	AccountID   string            `json:"accountId"`
	DisplayName string            `json:"displayName"`
	AvatarURLs  map[string]string `json:"avatarUrls"`
}

func (u apiUser) toUser() *pmprovider.User {
	return &pmprovider.User{
		AccountID:   u.AccountID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURLs["48x48"],
	}
}

// Myself returns the account the credential belongs to.
func (c *Client) Myself(ctx context.Context) (*pmprovider.User, error) {
	var u apiUser
	if err := c.get(ctx, "get myself", "/rest/api/3/myself", nil, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

// User returns the profile of accountID.
func (c *Client) User(ctx context.Context, accountID string) (*pmprovider.User, error) {
	var u apiUser
	q := url.Values{"accountId": {accountID}}
	if err := c.get(ctx, "get user", "/rest/api/3/user", q, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

// Fields lists the site's field definitions.
func (c *Client) Fields(ctx context.Context) ([]jira.Field, error) {
	var fields []jira.Field
	if err := c.get(ctx, "list fields", "/rest/api/3/field", nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Projects lists every project visible to the credential.
func (c *Client) Projects(ctx context.Context) ([]pmprovider.Project, error) {
	type apiProject struct {
		ID         string            `json:"id"`
		Key        string            `json:"key"`
		Name       string            `json:"name"`
		AvatarURLs map[string]string `json:"avatarUrls"`
	}
	var out []pmprovider.Project
	startAt := 0
	for range maxProjectPages {
		var page struct {
			Values []apiProject `json:"values"`
			IsLast bool         `json:"isLast"`
		}
		q := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(projectPageSize)},
		}
		if err := c.get(ctx, "list projects", "/rest/api/3/project/search", q, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Values {
			out = append(out, pmprovider.Project{ID: p.ID, Key: p.Key, Name: p.Name, AvatarURL: p.AvatarURLs["48x48"]})
		}
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}
	return out, nil
}

// Boards lists the agile boards attached to projectKey.
func (c *Client) Boards(ctx context.Context, projectKey string) ([]pmprovider.Board, error) {
	var out []pmprovider.Board
	startAt := 0
	for range maxProjectPages {
		var page struct {
			Values []pmprovider.Board `json:"values"`
			IsLast bool               `json:"isLast"`
		}
		q := url.Values{
			"projectKeyOrId": {projectKey},
			"startAt":        {strconv.Itoa(startAt)},
			"maxResults":     {strconv.Itoa(projectPageSize)},
		}
		if err := c.get(ctx, "list boards of "+projectKey, "/rest/agile/1.0/board", q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Values...)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}
	return out, nil
}

// Sprints lists every sprint of a board.
func (c *Client) Sprints(ctx context.Context, boardID int64) ([]pmprovider.Sprint, error) {
	var out []pmprovider.Sprint
	path := fmt.Sprintf("/rest/agile/1.0/board/%d/sprint", boardID)
	startAt := 0
	for range maxProjectPages {
		var page struct {
			Values []pmprovider.Sprint `json:"values"`
			IsLast bool                `json:"isLast"`
		}
		q := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(projectPageSize)},
		}
		if err := c.get(ctx, fmt.Sprintf("list sprints of board %d", boardID), path, q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Values...)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}
	return out, nil
}

// SearchIssues runs one page of a JQL search.
func (c *Client) SearchIssues(ctx context.Context, jql string, fields []string, startAt, maxResults int) (*pmprovider.SearchPage, error) {
	if maxResults <= 0 {
		maxResults = c.cfg.PageSize
	}
	q := url.Values{
		"jql":        {jql},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	var page struct {
		StartAt    int                `json:"startAt"`
		MaxResults int                `json:"maxResults"`
		Total      int                `json:"total"`
		Issues     []pmprovider.Issue `json:"issues"`
	}
	if err := c.get(ctx, "search issues", "/rest/api/3/search/jql", q, &page); err != nil {
		return nil, err
	}
	return &pmprovider.SearchPage{
		StartAt:    page.StartAt,
		MaxResults: page.MaxResults,
		Total:      page.Total,
		Issues:     page.Issues,
	}, nil
}
