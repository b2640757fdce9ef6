// Package github defines the locally stored GitHub entities. Every entity is
// global: deduplicated by GitHub's own ID across all credentials.
package github

import (
	"strings"
	"time"
)

// Organization is a GitHub organization, or the synthetic personal
// organization standing for a user's own repositories.
type Organization struct {
	ID          int64      `json:"id"`
	GitHubOrgID int64      `json:"github_org_id"`
	Login       string     `json:"login"`
	Name        string     `json:"name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	IsPersonal  bool       `json:"is_personal"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
}

// Member is a member of an organization.
type Member struct {
	OrgID        int64  `json:"org_id"`
	GitHubUserID int64  `json:"github_user_id"`
	Login        string `json:"login"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

// Repository is a repository belonging to an organization row.
type Repository struct {
	ID            int64  `json:"id"`
	OrgID         int64  `json:"org_id"`
	GitHubRepoID  int64  `json:"github_repo_id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
}

// Owner splits FullName into owner and repository name.
func (r *Repository) Owner() (owner, name string) {
	owner, name, ok := strings.Cut(r.FullName, "/")
	if !ok {
		return "", r.FullName
	}
	return owner, name
}

// PullRequest is a pull request row. Detail fields are nil when the list
// endpoint was the only source; the store keeps earlier values then.
type PullRequest struct {
	ID              int64      `json:"id"`
	RepoID          int64      `json:"repo_id"`
	GitHubPRID      int64      `json:"github_pr_id"`
	Number          int        `json:"number"`
	Title           string     `json:"title"`
	State           string     `json:"state"`
	Draft           bool       `json:"draft"`
	Merged          bool       `json:"merged"`
	AuthorLogin     string     `json:"author_login,omitempty"`
	AuthorName      *string    `json:"author_name,omitempty"`
	AuthorID        int64      `json:"author_id,omitempty"`
	AuthorAvatarURL string     `json:"author_avatar_url,omitempty"`
	Additions       *int       `json:"additions,omitempty"`
	Deletions       *int       `json:"deletions,omitempty"`
	ChangedFiles    *int       `json:"changed_files,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	MergedAt        *time.Time `json:"merged_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// Review is a review on a pull request.
type Review struct {
	ID                int64      `json:"id"`
	PullRequestID     int64      `json:"pull_request_id"`
	GitHubReviewID    int64      `json:"github_review_id"`
	ReviewerLogin     string     `json:"reviewer_login,omitempty"`
	ReviewerName      *string    `json:"reviewer_name,omitempty"`
	ReviewerID        int64      `json:"reviewer_id,omitempty"`
	ReviewerAvatarURL string     `json:"reviewer_avatar_url,omitempty"`
	State             string     `json:"state"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
}
