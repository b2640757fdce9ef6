// Package github implements the gitprovider port on the GitHub REST API via
// go-github. Every request passes the credential's token bucket and the
// shared circuit breaker, and throttling responses are retried after the
// wait the API asks for.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v63/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashwinsrini/how-do-i-fare/internal/port/gitprovider"
	"github.com/ashwinsrini/how-do-i-fare/internal/ratelimit"
	"github.com/ashwinsrini/how-do-i-fare/internal/resilience"
)

// Config holds the client settings shared by every credential.
type Config struct {
	BaseURL        string // empty for api.github.com
	PageSize       int
	AcquireTimeout time.Duration
	Throttle       resilience.ThrottlePolicy
}

// Factory builds per-credential clients sharing one limiter registry, one
// breaker and one instrumented transport.
type Factory struct {
	cfg      Config
	limiters *ratelimit.Registry
	breaker  *resilience.Breaker
	http     *http.Client
}

// NewFactory creates a client factory. The breaker only counts transport
// failures and 5xx responses.
func NewFactory(cfg Config, limiters *ratelimit.Registry, breaker *resilience.Breaker) *Factory {
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

// New returns a client for token. It satisfies gitprovider.Factory.
func (f *Factory) New(token string, onThrottle func(wait time.Duration)) gitprovider.Client {
	client := gh.NewClient(f.http).WithAuthToken(token)
	if f.cfg.BaseURL != "" {
		if u, err := url.Parse(strings.TrimSuffix(f.cfg.BaseURL, "/") + "/"); err == nil {
			client.BaseURL = u
		} else {
			slog.Error("invalid github base url, using default", "url", f.cfg.BaseURL, "error", err)
		}
	}
	return &Client{
		gh:         client,
		bucket:     f.limiters.For(token),
		breaker:    f.breaker,
		cfg:        f.cfg,
		onThrottle: onThrottle,
		now:        time.Now,
		sleep:      resilience.Sleep,
	}
}

// Client is one credential's view of the GitHub API.
type Client struct {
	gh         *gh.Client
	bucket     *ratelimit.Bucket
	breaker    *resilience.Breaker
	cfg        Config
	onThrottle func(time.Duration)
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

var _ gitprovider.Client = (*Client)(nil)

// call runs one API request under the limiter, breaker and throttle retry.
func call[T any](ctx context.Context, c *Client, op string, fn func() (T, *gh.Response, error)) (T, *gh.Response, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := c.bucket.Acquire(ctx, c.cfg.AcquireTimeout); err != nil {
			return zero, nil, fmt.Errorf("github %s: %w", op, err)
		}

		var (
			v    T
			resp *gh.Response
		)
		err := c.breaker.Execute(func() error {
			var callErr error
			v, resp, callErr = fn()
			return callErr
		})
		if resp != nil && resp.Response != nil {
			c.observe(resp.Header)
		}
		if err == nil {
			return v, resp, nil
		}

		wait, throttled := c.throttleWait(resp, err)
		if !throttled {
			return zero, resp, fmt.Errorf("github %s: %w", op, err)
		}
		if attempt >= c.cfg.Throttle.MaxRetries {
			return zero, resp, fmt.Errorf("github %s: %w: %w", op, gitprovider.ErrThrottled, err)
		}

		slog.Warn("github rate limited", "op", op, "attempt", attempt+1, "wait", wait)
		c.bucket.Drain()
		if c.onThrottle != nil {
			c.onThrottle(wait)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return zero, resp, fmt.Errorf("github %s: %w", op, err)
		}
		c.bucket.Fill()
	}
}

// drain follows the next-page link until the listing is exhausted.
func drain[T any](ctx context.Context, c *Client, op string, fetch func(opts gh.ListOptions) ([]T, *gh.Response, error)) ([]T, error) {
	var all []T
	opts := gh.ListOptions{Page: 1, PerPage: c.cfg.PageSize}
	for {
		items, resp, err := call(ctx, c, op, func() ([]T, *gh.Response, error) { return fetch(opts) })
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if resp == nil || resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// observe feeds the remaining-quota header into the bucket.
func (c *Client) observe(h http.Header) {
	rem, ok := resilience.Remaining(h)
	if !ok {
		return
	}
	c.bucket.UpdateFromHeaders(rem)
	switch {
	case rem > 0 && rem <= 100 && rem%25 == 0:
		slog.Warn("github rate limit low", "remaining", rem)
	case rem > 0 && rem%500 == 0:
		slog.Debug("github rate limit", "remaining", rem)
	}
}

// throttleWait classifies err. go-github reports primary limits as
// RateLimitError (possibly without sending the request) and secondary
// limits as AbuseRateLimitError; a bare 429 or marked 403 counts as well.
func (c *Client) throttleWait(resp *gh.Response, err error) (time.Duration, bool) {
	now := c.now()
	var header http.Header
	var status int
	if resp != nil && resp.Response != nil {
		header = resp.Header
		status = resp.StatusCode
	}

	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		if abuse.RetryAfter != nil {
			return *abuse.RetryAfter + time.Second, true
		}
		return c.cfg.Throttle.Wait(header, now), true
	}

	var primary *gh.RateLimitError
	if errors.As(err, &primary) {
		if header.Get("Retry-After") != "" || header.Get("X-RateLimit-Reset") != "" {
			return c.cfg.Throttle.Wait(header, now), true
		}
		if !primary.Rate.Reset.IsZero() {
			until := max(primary.Rate.Reset.Sub(now), 0)
			return min(until+time.Second, c.cfg.Throttle.ResetCap), true
		}
		return c.cfg.Throttle.Fallback, true
	}

	if resilience.Throttled(status, header, true) {
		return c.cfg.Throttle.Wait(header, now), true
	}
	return 0, false
}

// tripsBreaker counts only failures that suggest GitHub itself is down.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var primary *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &primary) || errors.As(err, &abuse) {
		return false
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func toAccount(u *gh.User) *gitprovider.Account {
	if u == nil {
		return nil
	}
	return &gitprovider.Account{
		ID:        u.GetID(),
		Login:     u.GetLogin(),
		Name:      u.GetName(),
		AvatarURL: u.GetAvatarURL(),
	}
}

func toRepo(r *gh.Repository) gitprovider.Repo {
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return gitprovider.Repo{
		ID:            r.GetID(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		OwnerLogin:    r.GetOwner().GetLogin(),
		Private:       r.GetPrivate(),
		DefaultBranch: branch,
	}
}

func timePtr(ts *gh.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}

// User returns the account the token belongs to.
func (c *Client) User(ctx context.Context) (*gitprovider.Account, error) {
	u, _, err := call(ctx, c, "get user", func() (*gh.User, *gh.Response, error) {
		return c.gh.Users.Get(ctx, "")
	})
	if err != nil {
		return nil, err
	}
	return toAccount(u), nil
}

// UserProfile returns the public profile of login.
func (c *Client) UserProfile(ctx context.Context, login string) (*gitprovider.Account, error) {
	u, _, err := call(ctx, c, "get user "+login, func() (*gh.User, *gh.Response, error) {
		return c.gh.Users.Get(ctx, login)
	})
	if err != nil {
		return nil, err
	}
	return toAccount(u), nil
}

// Orgs lists the organizations of the authenticated user.
func (c *Client) Orgs(ctx context.Context) ([]gitprovider.Account, error) {
	orgs, err := drain(ctx, c, "list orgs", func(opts gh.ListOptions) ([]*gh.Organization, *gh.Response, error) {
		return c.gh.Organizations.List(ctx, "", &opts)
	})
	if err != nil {
		return nil, err
	}
	out := make([]gitprovider.Account, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, gitprovider.Account{
			ID:        o.GetID(),
			Login:     o.GetLogin(),
			Name:      o.GetName(),
			AvatarURL: o.GetAvatarURL(),
		})
	}
	return out, nil
}

// OrgMembers lists the members of org.
func (c *Client) OrgMembers(ctx context.Context, org string) ([]gitprovider.Account, error) {
	users, err := drain(ctx, c, "list members of "+org, func(opts gh.ListOptions) ([]*gh.User, *gh.Response, error) {
		return c.gh.Organizations.ListMembers(ctx, org, &gh.ListMembersOptions{ListOptions: opts})
	})
	if err != nil {
		return nil, err
	}
	out := make([]gitprovider.Account, 0, len(users))
	for _, u := range users {
		out = append(out, *toAccount(u))
	}
	return out, nil
}

// OrgRepos lists every repository of org the token can see.
func (c *Client) OrgRepos(ctx context.Context, org string) ([]gitprovider.Repo, error) {
	repos, err := drain(ctx, c, "list repos of "+org, func(opts gh.ListOptions) ([]*gh.Repository, *gh.Response, error) {
		return c.gh.Repositories.ListByOrg(ctx, org, &gh.RepositoryListByOrgOptions{Type: "all", ListOptions: opts})
	})
	if err != nil {
		return nil, err
	}
	out := make([]gitprovider.Repo, 0, len(repos))
	for _, r := range repos {
		out = append(out, toRepo(r))
	}
	return out, nil
}

// UserRepos lists repositories of the authenticated user by affiliation.
func (c *Client) UserRepos(ctx context.Context, affiliation gitprovider.Affiliation) ([]gitprovider.Repo, error) {
	repos, err := drain(ctx, c, "list user repos", func(opts gh.ListOptions) ([]*gh.Repository, *gh.Response, error) {
		return c.gh.Repositories.ListByAuthenticatedUser(ctx, &gh.RepositoryListByAuthenticatedUserOptions{
			Affiliation: string(affiliation),
			ListOptions: opts,
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]gitprovider.Repo, 0, len(repos))
	for _, r := range repos {
		out = append(out, toRepo(r))
	}
	return out, nil
}

// PullRequests fetches one page of pull requests in every state, newest
// first by the requested sort key.
func (c *Client) PullRequests(ctx context.Context, owner, repo string, page gitprovider.PullRequestPage) ([]gitprovider.PullRequest, error) {
	perPage := page.PerPage
	if perPage <= 0 {
		perPage = c.cfg.PageSize
	}
	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        string(page.Sort),
		Direction:   "desc",
		ListOptions: gh.ListOptions{Page: max(page.Page, 1), PerPage: perPage},
	}
	prs, _, err := call(ctx, c, fmt.Sprintf("list pulls of %s/%s", owner, repo), func() ([]*gh.PullRequest, *gh.Response, error) {
		return c.gh.PullRequests.List(ctx, owner, repo, opts)
	})
	if err != nil {
		return nil, err
	}
	out := make([]gitprovider.PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, gitprovider.PullRequest{
			ID:        pr.GetID(),
			Number:    pr.GetNumber(),
			Title:     pr.GetTitle(),
			State:     pr.GetState(),
			Draft:     pr.GetDraft(),
			Author:    toAccount(pr.User),
			CreatedAt: pr.GetCreatedAt().Time,
			UpdatedAt: pr.GetUpdatedAt().Time,
			MergedAt:  timePtr(pr.MergedAt),
			ClosedAt:  timePtr(pr.ClosedAt),
		})
	}
	return out, nil
}

// PullRequest fetches the detail fields of one pull request.
func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*gitprovider.PullRequestDetail, error) {
	pr, _, err := call(ctx, c, fmt.Sprintf("get pull %s/%s#%d", owner, repo, number), func() (*gh.PullRequest, *gh.Response, error) {
		return c.gh.PullRequests.Get(ctx, owner, repo, number)
	})
	if err != nil {
		return nil, err
	}
	return &gitprovider.PullRequestDetail{
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
		ChangedFiles: pr.GetChangedFiles(),
		Merged:       pr.GetMerged(),
	}, nil
}

// Reviews lists every review of one pull request.
func (c *Client) Reviews(ctx context.Context, owner, repo string, number int) ([]gitprovider.Review, error) {
	reviews, err := drain(ctx, c, fmt.Sprintf("list reviews of %s/%s#%d", owner, repo, number), func(opts gh.ListOptions) ([]*gh.PullRequestReview, *gh.Response, error) {
		return c.gh.PullRequests.ListReviews(ctx, owner, repo, number, &opts)
	})
	if err != nil {
		return nil, err
	}
	out := make([]gitprovider.Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, gitprovider.Review{
			ID:          r.GetID(),
			State:       r.GetState(),
			Reviewer:    toAccount(r.User),
			SubmittedAt: timePtr(r.SubmittedAt),
		})
	}
	return out, nil
}
