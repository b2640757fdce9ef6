package postgres

import (
	"context"
	"fmt"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/jira"
)

// UpsertJiraInstance returns the instance row for a site domain.
func (s *Store) UpsertJiraInstance(ctx context.Context, domain string) (*jira.Instance, error) {
	inst := jira.Instance{Domain: domain}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jira_instances (domain) VALUES ($1)
		 ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
		 RETURNING id`, domain).Scan(&inst.ID)
	if err != nil {
		return nil, fmt.Errorf("upsert jira instance %s: %w", domain, err)
	}
	return &inst, nil
}

// UpsertJiraProject inserts or refreshes a project and sets p.ID.
func (s *Store) UpsertJiraProject(ctx context.Context, p *jira.Project) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jira_projects (instance_id, jira_project_id, key, name, avatar_url)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance_id, jira_project_id) DO UPDATE SET
		     key = EXCLUDED.key, name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url,
		     updated_at = NOW()
		 RETURNING id`,
		p.InstanceID, p.JiraProjectID, p.Key, p.Name, nullIfEmpty(p.AvatarURL),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert jira project %s: %w", p.Key, err)
	}
	return nil
}

// LinkCredentialProject records that a credential can see a project.
func (s *Store) LinkCredentialProject(ctx context.Context, credentialID string, projectID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jira_credential_projects (credential_id, project_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, credentialID, projectID)
	if err != nil {
		return fmt.Errorf("link credential %s to project %d: %w", credentialID, projectID, err)
	}
	return nil
}

// UpsertSprint inserts or refreshes a sprint and sets sp.ID. A sprint seen
// only through an issue field may lack a board or dates; known values stay.
func (s *Store) UpsertSprint(ctx context.Context, sp *jira.Sprint) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jira_sprints (project_id, jira_sprint_id, board_id, name, state,
		     start_date, end_date, complete_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (project_id, jira_sprint_id) DO UPDATE SET
		     board_id = COALESCE(EXCLUDED.board_id, jira_sprints.board_id),
		     name = EXCLUDED.name,
		     state = COALESCE(EXCLUDED.state, jira_sprints.state),
		     start_date = COALESCE(EXCLUDED.start_date, jira_sprints.start_date),
		     end_date = COALESCE(EXCLUDED.end_date, jira_sprints.end_date),
		     complete_date = COALESCE(EXCLUDED.complete_date, jira_sprints.complete_date)
		 RETURNING id`,
		sp.ProjectID, sp.JiraSprintID, nullZero(sp.BoardID), sp.Name, nullIfEmpty(sp.State),
		sp.StartDate, sp.EndDate, sp.CompleteDate,
	).Scan(&sp.ID)
	if err != nil {
		return fmt.Errorf("upsert sprint %d: %w", sp.JiraSprintID, err)
	}
	return nil
}

// UpsertIssue inserts or refreshes an issue and sets i.ID.
func (s *Store) UpsertIssue(ctx context.Context, i *jira.Issue) (bool, error) {
	var category *string
	if i.StatusCategory != nil {
		c := string(*i.StatusCategory)
		category = &c
	}
	var created bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jira_issues (project_id, sprint_id, jira_issue_id, key, summary, issue_type,
		     status, status_category, priority, story_points,
		     assignee_account_id, assignee_name, assignee_avatar_url, reporter_account_id, reporter_name,
		     issue_created_at, issue_updated_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (project_id, jira_issue_id) DO UPDATE SET
		     sprint_id = EXCLUDED.sprint_id, key = EXCLUDED.key, summary = EXCLUDED.summary,
		     issue_type = EXCLUDED.issue_type, status = EXCLUDED.status,
		     status_category = EXCLUDED.status_category, priority = EXCLUDED.priority,
		     story_points = EXCLUDED.story_points,
		     assignee_account_id = EXCLUDED.assignee_account_id,
		     assignee_name = COALESCE(EXCLUDED.assignee_name,
		         CASE WHEN jira_issues.assignee_account_id = EXCLUDED.assignee_account_id
		              THEN jira_issues.assignee_name END),
		     assignee_avatar_url = EXCLUDED.assignee_avatar_url,
		     reporter_account_id = EXCLUDED.reporter_account_id,
		     reporter_name = COALESCE(EXCLUDED.reporter_name,
		         CASE WHEN jira_issues.reporter_account_id = EXCLUDED.reporter_account_id
		              THEN jira_issues.reporter_name END),
		     issue_created_at = EXCLUDED.issue_created_at, issue_updated_at = EXCLUDED.issue_updated_at,
		     resolved_at = EXCLUDED.resolved_at
		 RETURNING id, (xmax = 0)`,
		i.ProjectID, i.SprintID, i.JiraIssueID, i.Key, i.Summary, nullIfEmpty(i.IssueType),
		nullIfEmpty(i.Status), category, nullIfEmpty(i.Priority), i.StoryPoints,
		nullIfEmpty(i.AssigneeAccountID), i.AssigneeName, nullIfEmpty(i.AssigneeAvatarURL),
		nullIfEmpty(i.ReporterAccountID), i.ReporterName,
		i.CreatedAt, i.UpdatedAt, i.ResolvedAt,
	).Scan(&i.ID, &created)
	if err != nil {
		return false, fmt.Errorf("upsert issue %s: %w", i.Key, err)
	}
	return created, nil
}

// ListAccountsMissingNames lists assignee and reporter account IDs stored
// without a display name.
func (s *Store) ListAccountsMissingNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT assignee_account_id FROM jira_issues
		 WHERE assignee_name IS NULL AND assignee_account_id IS NOT NULL
		 UNION
		 SELECT reporter_account_id FROM jira_issues
		 WHERE reporter_name IS NULL AND reporter_account_id IS NOT NULL
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list accounts missing names: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAccountName fills assignee and reporter names for accountID where
// missing. It returns the number of issues touched.
func (s *Store) SetAccountName(ctx context.Context, accountID, name string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jira_issues SET
		     assignee_name = CASE WHEN assignee_account_id = $1 AND assignee_name IS NULL
		                          THEN $2 ELSE assignee_name END,
		     reporter_name = CASE WHEN reporter_account_id = $1 AND reporter_name IS NULL
		                          THEN $2 ELSE reporter_name END
		 WHERE (assignee_account_id = $1 AND assignee_name IS NULL)
		    OR (reporter_account_id = $1 AND reporter_name IS NULL)`, accountID, name)
	if err != nil {
		return 0, fmt.Errorf("set account name of %s: %w", accountID, err)
	}
	return tag.RowsAffected(), nil
}
