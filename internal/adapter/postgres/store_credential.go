package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
)

func scanGitHubCredential(row scannable) (credential.Credential, error) {
	var c credential.Credential
	var username *string
	err := row.Scan(&c.ID, &c.UserID, &c.Label, &c.Secret, &username, &c.IsActive, &c.LastSyncedAt, &c.CreatedAt)
	c.System = credential.SystemGitHub
	c.Username = deref(username)
	return c, err
}

func scanJiraCredential(row scannable) (credential.Credential, error) {
	var c credential.Credential
	var sprintField *string
	err := row.Scan(&c.ID, &c.UserID, &c.Label, &c.Domain, &c.Email, &c.Secret,
		&c.StoryPointsFieldIDs, &sprintField, &c.IsActive, &c.LastSyncedAt, &c.CreatedAt)
	c.System = credential.SystemJira
	c.SprintFieldID = deref(sprintField)
	return c, err
}

const (
	githubCredentialColumns = `id, user_id, label, encrypted_pat, github_username, is_active, last_synced_at, created_at`
	jiraCredentialColumns   = `id, user_id, label, domain, email, encrypted_token, story_points_field_ids,
		sprint_field_id, is_active, last_synced_at, created_at`
)

// CreateCredential stores a credential whose Secret is already encrypted.
func (s *Store) CreateCredential(ctx context.Context, c *credential.Credential) error {
	var err error
	switch c.System {
	case credential.SystemGitHub:
		err = s.pool.QueryRow(ctx,
			`INSERT INTO github_credentials (id, user_id, label, encrypted_pat, github_username, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING created_at`,
			c.ID, c.UserID, c.Label, c.Secret, nullIfEmpty(c.Username), c.IsActive,
		).Scan(&c.CreatedAt)
	case credential.SystemJira:
		err = s.pool.QueryRow(ctx,
			`INSERT INTO jira_credentials (id, user_id, label, domain, email, encrypted_token,
			     story_points_field_ids, sprint_field_id, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING created_at`,
			c.ID, c.UserID, c.Label, c.Domain, c.Email, c.Secret,
			pgTextArray(c.StoryPointsFieldIDs), nullIfEmpty(c.SprintFieldID), c.IsActive,
		).Scan(&c.CreatedAt)
	default:
		return fmt.Errorf("create credential: unknown system %q", c.System)
	}
	if err != nil {
		return fmt.Errorf("create %s credential: %w", c.System, err)
	}
	return nil
}

// GetCredential returns a credential of either system by ID.
func (s *Store) GetCredential(ctx context.Context, system credential.System, id string) (*credential.Credential, error) {
	var (
		c   credential.Credential
		err error
	)
	switch system {
	case credential.SystemGitHub:
		c, err = scanGitHubCredential(s.pool.QueryRow(ctx,
			`SELECT `+githubCredentialColumns+` FROM github_credentials WHERE id = $1`, id))
	case credential.SystemJira:
		c, err = scanJiraCredential(s.pool.QueryRow(ctx,
			`SELECT `+jiraCredentialColumns+` FROM jira_credentials WHERE id = $1`, id))
	default:
		return nil, fmt.Errorf("get credential: unknown system %q", system)
	}
	if err != nil {
		return nil, notFoundWrap(err, "get %s credential %s", system, id)
	}
	return &c, nil
}

// ListActiveCredentials returns every active credential of a system.
func (s *Store) ListActiveCredentials(ctx context.Context, system credential.System) ([]credential.Credential, error) {
	var (
		query string
		scan  func(scannable) (credential.Credential, error)
	)
	switch system {
	case credential.SystemGitHub:
		query = `SELECT ` + githubCredentialColumns + ` FROM github_credentials WHERE is_active ORDER BY created_at`
		scan = scanGitHubCredential
	case credential.SystemJira:
		query = `SELECT ` + jiraCredentialColumns + ` FROM jira_credentials WHERE is_active ORDER BY created_at`
		scan = scanJiraCredential
	default:
		return nil, fmt.Errorf("list credentials: unknown system %q", system)
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s credentials: %w", system, err)
	}
	defer rows.Close()

	var creds []credential.Credential
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s credential: %w", system, err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// MarkCredentialSynced sets last_synced_at after a successful sync.
func (s *Store) MarkCredentialSynced(ctx context.Context, system credential.System, id string, at time.Time) error {
	var table string
	switch system {
	case credential.SystemGitHub:
		table = "github_credentials"
	case credential.SystemJira:
		table = "jira_credentials"
	default:
		return fmt.Errorf("mark credential synced: unknown system %q", system)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET last_synced_at = $2 WHERE id = $1`, id, at)
	return execExpectOne(tag, err, "mark %s credential %s synced", system, id)
}

// UpdateGitHubUsername stores the login resolved from the token.
func (s *Store) UpdateGitHubUsername(ctx context.Context, id, username string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE github_credentials SET github_username = $2 WHERE id = $1`, id, username)
	return execExpectOne(tag, err, "update github username of %s", id)
}

// UpdateJiraFields stores the discovered story point and sprint field IDs.
func (s *Store) UpdateJiraFields(ctx context.Context, id string, storyPointsFieldIDs []string, sprintFieldID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jira_credentials SET story_points_field_ids = $2, sprint_field_id = $3 WHERE id = $1`,
		id, pgTextArray(storyPointsFieldIDs), nullIfEmpty(sprintFieldID))
	return execExpectOne(tag, err, "update jira fields of %s", id)
}
