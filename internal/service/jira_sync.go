package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/ashwinsrini/how-do-i-fare/internal/adapter/otel"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/jira"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/cache"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/pmprovider"
)

const (
	jiraNamePrefix = "jira:name:"
	issuePageSize  = 100
	boardTypeScrum = "scrum"
)

// JiraSource syncs projects, sprints and issues visible to a Jira credential.
type JiraSource struct {
	store   database.Store
	clients pmprovider.Factory
	names   cache.Cache
	nameCfg NameCacheConfig
	metrics *cfotel.Metrics
}

// NewJiraSource creates the Jira plug-in. names may be nil.
func NewJiraSource(store database.Store, clients pmprovider.Factory, names cache.Cache, nameCfg NameCacheConfig) *JiraSource {
	return &JiraSource{store: store, clients: clients, names: names, nameCfg: nameCfg}
}

// SetMetrics attaches OTEL instruments.
func (s *JiraSource) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// System implements Source.
func (s *JiraSource) System() credential.System { return credential.SystemJira }

// Open implements Source.
func (s *JiraSource) Open(ctx context.Context, run *Run) (Session, error) {
	phase := run.Progress.Throttled(ctx)
	auth := pmprovider.Auth{Domain: run.Credential.Domain, Email: run.Credential.Email, Token: run.Secret}
	client := s.clients(auth, func(wait time.Duration) {
		if s.metrics != nil {
			s.metrics.Throttled.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.system", "jira")))
		}
		phase(wait)
	})
	sess := &jiraSession{store: s.store, client: client, run: run}
	sess.names = NewNameResolver(s.names, s.nameCfg, jiraNamePrefix, nil,
		func(ctx context.Context, accountID string) (string, error) {
			u, err := client.User(ctx, accountID)
			if err != nil {
				return "", err
			}
			return u.DisplayName, nil
		})
	return sess, nil
}

type jiraSession struct {
	store  database.Store
	client pmprovider.Client
	run    *Run
	names  *NameResolver

	instance      *jira.Instance
	storyPointIDs []string
	sprintFieldID string
}

type jiraProjectScope struct {
	project pmprovider.Project
	row     *jira.Project
}

// Discover finds the site's custom fields and lists every visible project.
func (j *jiraSession) Discover(ctx context.Context) ([]Scope, error) {
	cred := j.run.Credential
	j.run.Progress.SetPhase(ctx, "Discovering fields")

	inst, err := j.store.UpsertJiraInstance(ctx, cred.Domain)
	if err != nil {
		return nil, err
	}
	j.instance = inst

	fields, err := j.client.Fields(ctx)
	if err != nil {
		return nil, err
	}
	j.storyPointIDs = jira.StoryPointsFields(fields)
	j.sprintFieldID = cred.SprintFieldID
	if j.sprintFieldID == "" {
		j.sprintFieldID = jira.SprintField(fields)
	}
	if !slices.Equal(j.storyPointIDs, cred.StoryPointsFieldIDs) || j.sprintFieldID != cred.SprintFieldID {
		if err := j.store.UpdateJiraFields(ctx, cred.ID, j.storyPointIDs, j.sprintFieldID); err != nil {
			return nil, err
		}
		cred.StoryPointsFieldIDs = j.storyPointIDs
		cred.SprintFieldID = j.sprintFieldID
	}

	j.run.Progress.SetPhase(ctx, "Fetching projects")
	projects, err := j.client.Projects(ctx)
	if err != nil {
		return nil, err
	}
	scopes := make([]Scope, 0, len(projects))
	for _, p := range projects {
		scopes = append(scopes, Scope{
			Label:  p.Key,
			Target: database.LockJiraProject,
			Data:   &jiraProjectScope{project: p},
		})
	}
	slog.InfoContext(ctx, "projects discovered", "count", len(scopes),
		"story_point_fields", len(j.storyPointIDs), "sprint_field", j.sprintFieldID)
	return scopes, nil
}

// Prepare upserts the project and its link to the credential.
func (j *jiraSession) Prepare(ctx context.Context, scope *Scope) (bool, error) {
	data := scope.Data.(*jiraProjectScope)
	row := &jira.Project{
		InstanceID:    j.instance.ID,
		JiraProjectID: data.project.ID,
		Key:           data.project.Key,
		Name:          data.project.Name,
		AvatarURL:     data.project.AvatarURL,
	}
	if err := j.store.UpsertJiraProject(ctx, row); err != nil {
		return false, err
	}
	if err := j.store.LinkCredentialProject(ctx, j.run.Credential.ID, row.ID); err != nil {
		return false, err
	}
	data.row = row
	scope.ID = row.ID
	return j.run.Filters.AllowsProject(row.Key), nil
}

// Sync fetches the project's scrum boards and sprints, then its issues.
func (j *jiraSession) Sync(ctx context.Context, scope *Scope) error {
	project := scope.Data.(*jiraProjectScope).row
	if err := j.syncSprints(ctx, project); err != nil {
		return err
	}
	return j.syncIssues(ctx, project)
}

// syncSprints stores every sprint of the project's scrum boards. Board and
// sprint fetch failures are logged and skipped.
func (j *jiraSession) syncSprints(ctx context.Context, project *jira.Project) error {
	j.run.Progress.SetPhase(ctx, fmt.Sprintf("Syncing %s: fetching boards", project.Key))
	boards, err := j.client.Boards(ctx, project.Key)
	if err != nil {
		slog.WarnContext(ctx, "could not fetch boards", "project", project.Key, "error", err)
		return nil
	}
	for _, b := range boards {
		if b.Type != boardTypeScrum {
			continue
		}
		if j.run.Progress.ShouldStop(ctx) {
			return errStopped
		}
		sprints, err := j.client.Sprints(ctx, b.ID)
		if err != nil {
			slog.WarnContext(ctx, "could not fetch sprints", "project", project.Key, "board", b.ID, "error", err)
			continue
		}
		for i := range sprints {
			sp := toSprint(project.ID, &sprints[i])
			if sp.BoardID == 0 {
				sp.BoardID = b.ID
			}
			if err := j.store.UpsertSprint(ctx, sp); err != nil {
				return err
			}
		}
	}
	return nil
}

// issueQuery builds the JQL for a project. An incremental sync only asks
// for issues updated since the day of the last sync.
func issueQuery(key string, since *time.Time) string {
	jql := fmt.Sprintf("project = %q", key)
	if since != nil {
		return jql + fmt.Sprintf(" AND updated >= %q ORDER BY updated DESC", since.UTC().Format(time.DateOnly))
	}
	return jql + " ORDER BY created ASC"
}

func (j *jiraSession) searchFields() []string {
	fields := slices.Clone(jira.SearchFields)
	fields = append(fields, j.storyPointIDs...)
	if j.sprintFieldID != "" {
		fields = append(fields, j.sprintFieldID)
	}
	return fields
}

func (j *jiraSession) syncIssues(ctx context.Context, project *jira.Project) error {
	jql := issueQuery(project.Key, j.run.Since)
	fields := j.searchFields()

	startAt := 0
	for first := true; ; first = false {
		if !first && j.run.Progress.ShouldStop(ctx) {
			return errStopped
		}
		page, err := j.client.SearchIssues(ctx, jql, fields, startAt, issuePageSize)
		if err != nil {
			return err
		}
		if first {
			j.run.Progress.AddTotal(ctx, page.Total)
		}
		for i := range page.Issues {
			if err := j.storeIssue(ctx, project, &page.Issues[i]); err != nil {
				return err
			}
			j.run.Progress.Increment(ctx, 1)
		}
		startAt += len(page.Issues)
		j.run.Progress.SetPhase(ctx, fmt.Sprintf("Syncing %s: issues %d/%d", project.Key, startAt, page.Total))
		if len(page.Issues) == 0 || startAt >= page.Total {
			return nil
		}
	}
}

func (j *jiraSession) storeIssue(ctx context.Context, project *jira.Project, hit *pmprovider.Issue) error {
	row := jira.DecodeStandardFields(hit.Fields).Issue(project.ID, hit.ID, hit.Key)
	row.StoryPoints = jira.StoryPoints(hit.Fields, j.storyPointIDs)

	if j.sprintFieldID != "" {
		if sv := jira.CurrentSprint(hit.Fields[j.sprintFieldID]); sv != nil {
			sp := toSprint(project.ID, sv)
			if err := j.store.UpsertSprint(ctx, sp); err != nil {
				return err
			}
			row.SprintID = &sp.ID
		}
	}

	_, err := j.store.UpsertIssue(ctx, &row)
	return err
}

func toSprint(projectID int64, sv *jira.SprintValue) *jira.Sprint {
	return &jira.Sprint{
		ProjectID:    projectID,
		JiraSprintID: sv.ID,
		BoardID:      sv.BoardID,
		Name:         jira.SprintName(sv.Name, sv.ID),
		State:        sv.State,
		StartDate:    sv.StartDate,
		EndDate:      sv.EndDate,
		CompleteDate: sv.CompleteDate,
	}
}

// Backfill resolves assignee and reporter names the issue fields did not carry.
func (j *jiraSession) Backfill(ctx context.Context) error {
	j.run.Progress.SetPhase(ctx, "Resolving display names")
	n, err := backfillNames(ctx, j.names, j.store.ListAccountsMissingNames, j.store.SetAccountName, j.run.Progress.ShouldStop)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "display names backfilled", "rows", n)
	return nil
}
