// Package gitprovider defines the source-control fetch client port consumed
// by the GitHub sync pipeline.
package gitprovider

import (
	"context"
	"errors"
	"time"
)

// ErrThrottled is returned when the API kept throttling after every retry.
var ErrThrottled = errors.New("source control API throttled")

// Account is a user or organization as returned by list endpoints.
type Account struct {
	ID        int64
	Login     string
	Name      string
	AvatarURL string
}

// Repo is a repository visible to the credential.
type Repo struct {
	ID            int64
	Name          string
	FullName      string
	OwnerLogin    string
	Private       bool
	DefaultBranch string
}

// PullRequest is the list-level view of a pull request.
type PullRequest struct {
	ID        int64
	Number    int
	Title     string
	State     string
	Draft     bool
	Author    *Account
	CreatedAt time.Time
	UpdatedAt time.Time
	MergedAt  *time.Time
	ClosedAt  *time.Time
}

// PullRequestDetail holds the fields only the single-PR endpoint returns.
type PullRequestDetail struct {
	Additions    int
	Deletions    int
	ChangedFiles int
	Merged       bool
}

// Review is a submitted review on a pull request.
type Review struct {
	ID          int64
	State       string
	Reviewer    *Account
	SubmittedAt *time.Time
}

// Sort orders pull request listings.
type Sort string

const (
	SortCreated Sort = "created"
	SortUpdated Sort = "updated"
)

// PullRequestPage requests one fixed-size page, newest first.
type PullRequestPage struct {
	Sort    Sort
	Page    int
	PerPage int
}

// Affiliation filters repositories of the authenticated user.
type Affiliation string

const (
	AffiliationOwner              Affiliation = "owner"
	AffiliationOrganizationMember Affiliation = "organization_member"
)

// Client is the rate-limited, throttle-aware view of one credential's access
// to the source-control API. List methods drain every page.
type Client interface {
	User(ctx context.Context) (*Account, error)
	UserProfile(ctx context.Context, login string) (*Account, error)
	Orgs(ctx context.Context) ([]Account, error)
	OrgMembers(ctx context.Context, org string) ([]Account, error)
	OrgRepos(ctx context.Context, org string) ([]Repo, error)
	UserRepos(ctx context.Context, affiliation Affiliation) ([]Repo, error)
	PullRequests(ctx context.Context, owner, repo string, page PullRequestPage) ([]PullRequest, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (*PullRequestDetail, error)
	Reviews(ctx context.Context, owner, repo string, number int) ([]Review, error)
}

// Factory builds a Client for a decrypted token. onThrottle, when non-nil,
// is called before each throttle back-off with the wait duration.
type Factory func(token string, onThrottle func(wait time.Duration)) Client
