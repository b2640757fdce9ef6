package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/github"
)

// UpsertGitHubOrg inserts or refreshes an organization and sets o.ID.
func (s *Store) UpsertGitHubOrg(ctx context.Context, o *github.Organization) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO github_organizations (github_org_id, login, name, avatar_url, is_personal)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (github_org_id) DO UPDATE SET
		     login = EXCLUDED.login, name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url,
		     is_personal = EXCLUDED.is_personal, updated_at = NOW()
		 RETURNING id`,
		o.GitHubOrgID, o.Login, nullIfEmpty(o.Name), nullIfEmpty(o.AvatarURL), o.IsPersonal,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("upsert github org %s: %w", o.Login, err)
	}
	return nil
}

// LinkCredentialOrg records that a credential can see an organization.
func (s *Store) LinkCredentialOrg(ctx context.Context, credentialID string, orgID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO github_credential_orgs (credential_id, org_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, credentialID, orgID)
	if err != nil {
		return fmt.Errorf("link credential %s to org %d: %w", credentialID, orgID, err)
	}
	return nil
}

// UpsertGitHubMember inserts or refreshes an organization member.
func (s *Store) UpsertGitHubMember(ctx context.Context, m *github.Member) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO github_org_members (org_id, github_user_id, login, avatar_url)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id, github_user_id) DO UPDATE SET
		     login = EXCLUDED.login, avatar_url = EXCLUDED.avatar_url`,
		m.OrgID, m.GitHubUserID, m.Login, nullIfEmpty(m.AvatarURL))
	if err != nil {
		return fmt.Errorf("upsert member %s of org %d: %w", m.Login, m.OrgID, err)
	}
	return nil
}

// UpsertGitHubRepo inserts or refreshes a repository and sets r.ID.
func (s *Store) UpsertGitHubRepo(ctx context.Context, r *github.Repository) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO github_repositories (github_repo_id, org_id, name, full_name, private, default_branch)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (github_repo_id) DO UPDATE SET
		     org_id = EXCLUDED.org_id, name = EXCLUDED.name, full_name = EXCLUDED.full_name,
		     private = EXCLUDED.private, default_branch = EXCLUDED.default_branch, updated_at = NOW()
		 RETURNING id`,
		r.GitHubRepoID, r.OrgID, r.Name, r.FullName, r.Private, r.DefaultBranch,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("upsert github repo %s: %w", r.FullName, err)
	}
	return nil
}

// UpsertPullRequest inserts or refreshes a pull request and sets pr.ID.
// Detail columns and an already resolved author name survive an update
// that does not carry them.
func (s *Store) UpsertPullRequest(ctx context.Context, pr *github.PullRequest) (bool, error) {
	var created bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO github_pull_requests (github_pr_id, repo_id, number, title, state, draft, merged,
		     author_login, author_name, author_id, author_avatar_url, additions, deletions, changed_files,
		     pr_created_at, pr_updated_at, merged_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (github_pr_id) DO UPDATE SET
		     repo_id = EXCLUDED.repo_id, number = EXCLUDED.number, title = EXCLUDED.title,
		     state = EXCLUDED.state, draft = EXCLUDED.draft, merged = EXCLUDED.merged,
		     author_login = EXCLUDED.author_login,
		     author_name = COALESCE(EXCLUDED.author_name, github_pull_requests.author_name),
		     author_id = EXCLUDED.author_id, author_avatar_url = EXCLUDED.author_avatar_url,
		     additions = COALESCE(EXCLUDED.additions, github_pull_requests.additions),
		     deletions = COALESCE(EXCLUDED.deletions, github_pull_requests.deletions),
		     changed_files = COALESCE(EXCLUDED.changed_files, github_pull_requests.changed_files),
		     pr_created_at = EXCLUDED.pr_created_at, pr_updated_at = EXCLUDED.pr_updated_at,
		     merged_at = EXCLUDED.merged_at, closed_at = EXCLUDED.closed_at
		 RETURNING id, (xmax = 0)`,
		pr.GitHubPRID, pr.RepoID, pr.Number, pr.Title, pr.State, pr.Draft, pr.Merged,
		nullIfEmpty(pr.AuthorLogin), pr.AuthorName, nullZero(pr.AuthorID), nullIfEmpty(pr.AuthorAvatarURL),
		pr.Additions, pr.Deletions, pr.ChangedFiles,
		pr.CreatedAt, pr.UpdatedAt, pr.MergedAt, pr.ClosedAt,
	).Scan(&pr.ID, &created)
	if err != nil {
		return false, fmt.Errorf("upsert pull request %d: %w", pr.GitHubPRID, err)
	}
	return created, nil
}

// UpsertReview inserts or refreshes a review and sets r.ID.
func (s *Store) UpsertReview(ctx context.Context, r *github.Review) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO github_reviews (github_review_id, pull_request_id, reviewer_login, reviewer_name,
		     reviewer_id, reviewer_avatar_url, state, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (github_review_id) DO UPDATE SET
		     pull_request_id = EXCLUDED.pull_request_id, reviewer_login = EXCLUDED.reviewer_login,
		     reviewer_name = COALESCE(EXCLUDED.reviewer_name, github_reviews.reviewer_name),
		     reviewer_id = EXCLUDED.reviewer_id, reviewer_avatar_url = EXCLUDED.reviewer_avatar_url,
		     state = EXCLUDED.state, submitted_at = EXCLUDED.submitted_at
		 RETURNING id`,
		r.GitHubReviewID, r.PullRequestID, nullIfEmpty(r.ReviewerLogin), r.ReviewerName,
		nullZero(r.ReviewerID), nullIfEmpty(r.ReviewerAvatarURL), r.State, r.SubmittedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("upsert review %d: %w", r.GitHubReviewID, err)
	}
	return nil
}

// FindDisplayName looks up a name already stored for login.
func (s *Store) FindDisplayName(ctx context.Context, login string) (string, bool, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT author_name FROM github_pull_requests
		 WHERE author_login = $1 AND author_name IS NOT NULL
		 LIMIT 1`, login).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find display name of %s: %w", login, err)
	}
	return name, true, nil
}

// ListLoginsMissingNames lists authors and reviewers stored without a name.
func (s *Store) ListLoginsMissingNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT author_login FROM github_pull_requests
		 WHERE author_name IS NULL AND author_login IS NOT NULL
		 UNION
		 SELECT reviewer_login FROM github_reviews
		 WHERE reviewer_name IS NULL AND reviewer_login IS NOT NULL
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list logins missing names: %w", err)
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scan login: %w", err)
		}
		logins = append(logins, l)
	}
	return logins, rows.Err()
}

// SetDisplayName fills the name of every PR and review by login that still
// lacks one. It returns the number of rows updated.
func (s *Store) SetDisplayName(ctx context.Context, login, name string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prs, err := tx.Exec(ctx,
		`UPDATE github_pull_requests SET author_name = $2
		 WHERE author_login = $1 AND author_name IS NULL`, login, name)
	if err != nil {
		return 0, fmt.Errorf("set author name of %s: %w", login, err)
	}
	reviews, err := tx.Exec(ctx,
		`UPDATE github_reviews SET reviewer_name = $2
		 WHERE reviewer_login = $1 AND reviewer_name IS NULL`, login, name)
	if err != nil {
		return 0, fmt.Errorf("set reviewer name of %s: %w", login, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit display name of %s: %w", login, err)
	}
	return prs.RowsAffected() + reviews.RowsAffected(), nil
}
