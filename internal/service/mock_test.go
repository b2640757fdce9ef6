package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/github"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/jira"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/gitprovider"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/pmprovider"
)

// Ensure memStore implements database.Store at compile time.
var _ database.Store = (*memStore)(nil)

// memStore is an in-memory database.Store for service tests.
type memStore struct {
	mu     sync.Mutex
	nextID int64

	jobs     map[int64]*syncjob.Job
	creds    map[string]*credential.Credential
	orgs     map[int64]*github.Organization // by GitHub org ID
	orgLinks map[string][]int64
	members  map[int64][]github.Member
	repos    map[int64]*github.Repository  // by GitHub repo ID
	pulls    map[int64]*github.PullRequest // by GitHub PR ID
	reviews  map[int64]*github.Review      // by GitHub review ID
	names    map[string]string             // stored author names by login

	instances map[string]*jira.Instance
	projects  map[string]*jira.Project // by Jira project ID
	sprints   map[int64]*jira.Sprint   // by Jira sprint ID
	issues    map[string]*jira.Issue   // by Jira issue ID

	locks     map[string]string
	schedules []syncjob.Schedule
	settings  map[string]string

	statusReads    int
	cancelAtRead   int // cancel the job on this status read; 0 disables
	progressWrites int
	upsertPullErr  error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[int64]*syncjob.Job),
		creds:     make(map[string]*credential.Credential),
		orgs:      make(map[int64]*github.Organization),
		orgLinks:  make(map[string][]int64),
		members:   make(map[int64][]github.Member),
		repos:     make(map[int64]*github.Repository),
		pulls:     make(map[int64]*github.PullRequest),
		reviews:   make(map[int64]*github.Review),
		names:     make(map[string]string),
		instances: make(map[string]*jira.Instance),
		projects:  make(map[string]*jira.Project),
		sprints:   make(map[int64]*jira.Sprint),
		issues:    make(map[string]*jira.Issue),
		locks:     make(map[string]string),
		settings:  make(map[string]string),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func credKey(system credential.System, id string) string { return string(system) + ":" + id }

func lockKey(target database.LockTarget, id int64) string { return fmt.Sprintf("%s:%d", target, id) }

func (m *memStore) activeJob(system credential.System, credentialID string, except int64) bool {
	for _, j := range m.jobs {
		if j.ID != except && j.Type == system && j.CredentialID == credentialID && j.Status.Active() {
			return true
		}
	}
	return false
}

func (m *memStore) job(id int64) *syncjob.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// --- JobStore ---

func (m *memStore) CreatePendingSyncJob(_ context.Context, system credential.System, credentialID string, trigger syncjob.Trigger) (*syncjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJob(system, credentialID, 0) {
		return nil, domain.ErrConflict
	}
	j := &syncjob.Job{ID: m.id(), Type: system, CredentialID: credentialID, Trigger: trigger, Status: syncjob.StatusPending, CreatedAt: time.Now()}
	m.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (m *memStore) CreateRunningSyncJob(_ context.Context, system credential.System, credentialID string, trigger syncjob.Trigger, startedAt time.Time) (*syncjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJob(system, credentialID, 0) {
		return nil, domain.ErrConflict
	}
	j := &syncjob.Job{ID: m.id(), Type: system, CredentialID: credentialID, Trigger: trigger, Status: syncjob.StatusRunning, StartedAt: &startedAt, CreatedAt: startedAt}
	m.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (m *memStore) GetSyncJob(_ context.Context, id int64) (*syncjob.Job, error) {
	if j := m.job(id); j != nil {
		return j, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) GetSyncJobStatus(_ context.Context, id int64) (syncjob.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	m.statusReads++
	if m.cancelAtRead > 0 && m.statusReads == m.cancelAtRead && j.Status.Active() {
		j.Status = syncjob.StatusCancelled
	}
	return j.Status, nil
}

func (m *memStore) SetSyncJobQueueID(_ context.Context, id int64, queueJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.QueueJobID = &queueJobID
	return nil
}

func (m *memStore) StartSyncJob(_ context.Context, id int64, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !(j.Status.Active() || j.Status == syncjob.StatusFailed) {
		return false, nil
	}
	if m.activeJob(j.Type, j.CredentialID, id) {
		return false, domain.ErrConflict
	}
	j.Status = syncjob.StatusRunning
	j.StartedAt = &startedAt
	j.CompletedAt = nil
	j.Error = nil
	return true, nil
}

func (m *memStore) UpdateSyncJobProgress(_ context.Context, id int64, p syncjob.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.progressWrites++
	applyProgress(j, p)
	return nil
}

func applyProgress(j *syncjob.Job, p syncjob.Progress) {
	j.ProcessedItems = p.ProcessedItems
	j.TotalItems = p.TotalItems
	j.CurrentPhase = p.CurrentPhase
}

func (m *memStore) CompleteSyncJob(_ context.Context, id int64, p syncjob.Progress, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != syncjob.StatusRunning {
		return false, nil
	}
	j.Status = syncjob.StatusCompleted
	j.CompletedAt = &at
	applyProgress(j, p)
	return true, nil
}

func (m *memStore) FailSyncJob(_ context.Context, id int64, errText string, p syncjob.Progress, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status == syncjob.StatusCancelled {
		return false, nil
	}
	j.Status = syncjob.StatusFailed
	j.Error = &errText
	j.CompletedAt = &at
	applyProgress(j, p)
	return true, nil
}

func (m *memStore) StopSyncJob(_ context.Context, id int64, p syncjob.Progress, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.CompletedAt = &at
	applyProgress(j, p)
	return nil
}

func (m *memStore) CancelSyncJob(_ context.Context, id int64, at time.Time) (*syncjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !j.Status.Active() {
		return nil, domain.ErrConflict
	}
	j.Status = syncjob.StatusCancelled
	j.CompletedAt = &at
	cp := *j
	return &cp, nil
}

func (m *memStore) LatestSyncJob(_ context.Context, system credential.System, credentialID string) (*syncjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *syncjob.Job
	for _, j := range m.jobs {
		if j.Type == system && j.CredentialID == credentialID && (latest == nil || j.ID > latest.ID) {
			latest = j
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ListRecentSyncJobs(_ context.Context, limit int) ([]syncjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]syncjob.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- CredentialStore ---

func (m *memStore) CreateCredential(_ context.Context, c *credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[credKey(c.System, c.ID)] = &cp
	return nil
}

func (m *memStore) GetCredential(_ context.Context, system credential.System, id string) (*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credKey(system, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListActiveCredentials(_ context.Context, system credential.System) ([]credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []credential.Credential
	for _, c := range m.creds {
		if c.System == system && c.IsActive {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *memStore) MarkCredentialSynced(_ context.Context, system credential.System, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credKey(system, id)]
	if !ok {
		return domain.ErrNotFound
	}
	c.LastSyncedAt = &at
	return nil
}

func (m *memStore) UpdateGitHubUsername(_ context.Context, id, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credKey(credential.SystemGitHub, id)]
	if !ok {
		return domain.ErrNotFound
	}
	c.Username = username
	return nil
}

func (m *memStore) UpdateJiraFields(_ context.Context, id string, storyPointsFieldIDs []string, sprintFieldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credKey(credential.SystemJira, id)]
	if !ok {
		return domain.ErrNotFound
	}
	c.StoryPointsFieldIDs = storyPointsFieldIDs
	c.SprintFieldID = sprintFieldID
	return nil
}

// --- GitHubStore ---

func (m *memStore) UpsertGitHubOrg(_ context.Context, o *github.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.orgs[o.GitHubOrgID]; ok {
		o.ID = cur.ID
	} else {
		o.ID = m.id()
	}
	cp := *o
	m.orgs[o.GitHubOrgID] = &cp
	return nil
}

func (m *memStore) LinkCredentialOrg(_ context.Context, credentialID string, orgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.orgLinks[credentialID], orgID) {
		m.orgLinks[credentialID] = append(m.orgLinks[credentialID], orgID)
	}
	return nil
}

func (m *memStore) UpsertGitHubMember(_ context.Context, mem *github.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[mem.OrgID] = append(m.members[mem.OrgID], *mem)
	return nil
}

func (m *memStore) UpsertGitHubRepo(_ context.Context, r *github.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.repos[r.GitHubRepoID]; ok {
		r.ID = cur.ID
	} else {
		r.ID = m.id()
	}
	cp := *r
	m.repos[r.GitHubRepoID] = &cp
	return nil
}

func (m *memStore) UpsertPullRequest(_ context.Context, pr *github.PullRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertPullErr != nil {
		return false, m.upsertPullErr
	}
	cur, ok := m.pulls[pr.GitHubPRID]
	if ok {
		pr.ID = cur.ID
		if pr.Additions == nil {
			pr.Additions, pr.Deletions, pr.ChangedFiles = cur.Additions, cur.Deletions, cur.ChangedFiles
		}
	} else {
		pr.ID = m.id()
	}
	cp := *pr
	m.pulls[pr.GitHubPRID] = &cp
	return !ok, nil
}

func (m *memStore) UpsertReview(_ context.Context, r *github.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.reviews[r.GitHubReviewID]; ok {
		r.ID = cur.ID
	} else {
		r.ID = m.id()
	}
	cp := *r
	m.reviews[r.GitHubReviewID] = &cp
	return nil
}

func (m *memStore) FindDisplayName(_ context.Context, login string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[login]
	return name, ok, nil
}

func (m *memStore) ListLoginsMissingNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, p := range m.pulls {
		if p.AuthorLogin != "" && p.AuthorName == nil {
			seen[p.AuthorLogin] = true
		}
	}
	for _, r := range m.reviews {
		if r.ReviewerLogin != "" && r.ReviewerName == nil {
			seen[r.ReviewerLogin] = true
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) SetDisplayName(_ context.Context, login, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.pulls {
		if p.AuthorLogin == login && p.AuthorName == nil {
			p.AuthorName = &name
			n++
		}
	}
	for _, r := range m.reviews {
		if r.ReviewerLogin == login && r.ReviewerName == nil {
			r.ReviewerName = &name
			n++
		}
	}
	return n, nil
}

// --- JiraStore ---

func (m *memStore) UpsertJiraInstance(_ context.Context, d string) (*jira.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[d]
	if !ok {
		inst = &jira.Instance{ID: m.id(), Domain: d}
		m.instances[d] = inst
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) UpsertJiraProject(_ context.Context, p *jira.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.projects[p.JiraProjectID]; ok {
		p.ID = cur.ID
	} else {
		p.ID = m.id()
	}
	cp := *p
	m.projects[p.JiraProjectID] = &cp
	return nil
}

func (m *memStore) LinkCredentialProject(_ context.Context, credentialID string, projectID int64) error {
	return m.LinkCredentialOrg(context.Background(), credentialID, projectID)
}

func (m *memStore) UpsertSprint(_ context.Context, s *jira.Sprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sprints[s.JiraSprintID]; ok {
		s.ID = cur.ID
		if s.BoardID == 0 {
			s.BoardID = cur.BoardID
		}
	} else {
		s.ID = m.id()
	}
	cp := *s
	m.sprints[s.JiraSprintID] = &cp
	return nil
}

func (m *memStore) UpsertIssue(_ context.Context, is *jira.Issue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.issues[is.JiraIssueID]
	if ok {
		is.ID = cur.ID
	} else {
		is.ID = m.id()
	}
	cp := *is
	m.issues[is.JiraIssueID] = &cp
	return !ok, nil
}

func (m *memStore) ListAccountsMissingNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, is := range m.issues {
		if is.AssigneeAccountID != "" && is.AssigneeName == nil {
			seen[is.AssigneeAccountID] = true
		}
		if is.ReporterAccountID != "" && is.ReporterName == nil {
			seen[is.ReporterAccountID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) SetAccountName(_ context.Context, accountID, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, is := range m.issues {
		if is.AssigneeAccountID == accountID && is.AssigneeName == nil {
			is.AssigneeName = &name
			n++
		}
		if is.ReporterAccountID == accountID && is.ReporterName == nil {
			is.ReporterName = &name
			n++
		}
	}
	return n, nil
}

// --- LockStore ---

func (m *memStore) AcquireLock(_ context.Context, target database.LockTarget, id int64, holder string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := lockKey(target, id)
	if cur, ok := m.locks[k]; ok && cur != holder {
		return false, nil
	}
	m.locks[k] = holder
	return true, nil
}

func (m *memStore) ReleaseLock(_ context.Context, target database.LockTarget, id int64, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := lockKey(target, id)
	if m.locks[k] == holder {
		delete(m.locks, k)
	}
	return nil
}

// --- ScheduleStore ---

func (m *memStore) ReplaceSchedules(_ context.Context, schedules []syncjob.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := slices.Clone(schedules)
	for i := range next {
		for _, old := range m.schedules {
			if old.ID == next[i].ID && old.Every == next[i].Every {
				next[i].NextRunAt = old.NextRunAt
			}
		}
	}
	m.schedules = next
	return nil
}

func (m *memStore) ListSchedules(_ context.Context) ([]syncjob.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.schedules), nil
}

func (m *memStore) ClaimDueSchedules(_ context.Context, now time.Time) ([]syncjob.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []syncjob.Schedule
	for i := range m.schedules {
		s := &m.schedules[i]
		if !s.NextRunAt.After(now) {
			due = append(due, *s)
			s.NextRunAt = s.NextRunAt.Add(s.Every)
		}
	}
	return due, nil
}

// --- SettingsStore ---

func (m *memStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *memStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// --- fakes for the ports the pipeline drives ---

// prefixDecrypter "decrypts" by stripping an "enc:" prefix.
type prefixDecrypter struct{}

func (prefixDecrypter) Decrypt(encrypted string) (string, error) {
	plain, ok := strings.CutPrefix(encrypted, "enc:")
	if !ok {
		return "", errors.New("malformed secret")
	}
	return plain, nil
}

type fakeGitHub struct {
	mu sync.Mutex

	user      gitprovider.Account
	orgs      []gitprovider.Account
	orgsErr   error
	members   map[string][]gitprovider.Account
	orgRepos  map[string][]gitprovider.Repo
	userRepos map[gitprovider.Affiliation][]gitprovider.Repo
	pulls     map[string][]gitprovider.PullRequest // by "owner/repo", already sorted
	reviews   map[int][]gitprovider.Review
	profiles  map[string]string

	pageCalls    map[string][]gitprovider.PullRequestPage
	detailCalls  int
	profileCalls int
	token        string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		members:   make(map[string][]gitprovider.Account),
		orgRepos:  make(map[string][]gitprovider.Repo),
		userRepos: make(map[gitprovider.Affiliation][]gitprovider.Repo),
		pulls:     make(map[string][]gitprovider.PullRequest),
		reviews:   make(map[int][]gitprovider.Review),
		profiles:  make(map[string]string),
		pageCalls: make(map[string][]gitprovider.PullRequestPage),
	}
}

func (f *fakeGitHub) factory() gitprovider.Factory {
	return func(token string, _ func(time.Duration)) gitprovider.Client {
		f.mu.Lock()
		f.token = token
		f.mu.Unlock()
		return f
	}
}

func (f *fakeGitHub) User(context.Context) (*gitprovider.Account, error) {
	u := f.user
	return &u, nil
}

func (f *fakeGitHub) UserProfile(_ context.Context, login string) (*gitprovider.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	return &gitprovider.Account{Login: login, Name: f.profiles[login]}, nil
}

func (f *fakeGitHub) Orgs(context.Context) ([]gitprovider.Account, error) {
	return f.orgs, f.orgsErr
}

func (f *fakeGitHub) OrgMembers(_ context.Context, org string) ([]gitprovider.Account, error) {
	return f.members[org], nil
}

func (f *fakeGitHub) OrgRepos(_ context.Context, org string) ([]gitprovider.Repo, error) {
	return f.orgRepos[org], nil
}

func (f *fakeGitHub) UserRepos(_ context.Context, affiliation gitprovider.Affiliation) ([]gitprovider.Repo, error) {
	return f.userRepos[affiliation], nil
}

func (f *fakeGitHub) PullRequests(_ context.Context, owner, repo string, page gitprovider.PullRequestPage) ([]gitprovider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := owner + "/" + repo
	f.pageCalls[key] = append(f.pageCalls[key], page)
	all := f.pulls[key]
	start := (page.Page - 1) * page.PerPage
	if start >= len(all) {
		return nil, nil
	}
	end := min(start+page.PerPage, len(all))
	return all[start:end], nil
}

func (f *fakeGitHub) PullRequest(_ context.Context, _, _ string, number int) (*gitprovider.PullRequestDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	return &gitprovider.PullRequestDetail{Additions: number, Deletions: 1, ChangedFiles: 2}, nil
}

func (f *fakeGitHub) Reviews(_ context.Context, _, _ string, number int) ([]gitprovider.Review, error) {
	return f.reviews[number], nil
}

type fakeJira struct {
	mu sync.Mutex

	fields   []jira.Field
	projects []pmprovider.Project
	boards   map[string][]pmprovider.Board
	sprints  map[int64][]pmprovider.Sprint
	issues   map[string][]pmprovider.Issue // by project key
	users    map[string]string

	auth        pmprovider.Auth
	queries     []string
	sprintCalls []int64
	userCalls   int
}

func (f *fakeJira) factory() pmprovider.Factory {
	return func(auth pmprovider.Auth, _ func(time.Duration)) pmprovider.Client {
		f.mu.Lock()
		f.auth = auth
		f.mu.Unlock()
		return f
	}
}

func (f *fakeJira) Myself(context.Context) (*pmprovider.User, error) {
	return &pmprovider.User{AccountID: "me"}, nil
}

func (f *fakeJira) Fields(context.Context) ([]jira.Field, error) { return f.fields, nil }

func (f *fakeJira) Projects(context.Context) ([]pmprovider.Project, error) { return f.projects, nil }

func (f *fakeJira) Boards(_ context.Context, projectKey string) ([]pmprovider.Board, error) {
	return f.boards[projectKey], nil
}

func (f *fakeJira) Sprints(_ context.Context, boardID int64) ([]pmprovider.Sprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sprintCalls = append(f.sprintCalls, boardID)
	return f.sprints[boardID], nil
}

func (f *fakeJira) SearchIssues(_ context.Context, jql string, _ []string, startAt, maxResults int) (*pmprovider.SearchPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, jql)
	key, _, _ := strings.Cut(strings.TrimPrefix(jql, `project = "`), `"`)
	all := f.issues[key]
	page := &pmprovider.SearchPage{StartAt: startAt, MaxResults: maxResults, Total: len(all)}
	if startAt < len(all) {
		page.Issues = all[startAt:min(startAt+maxResults, len(all))]
	}
	return page, nil
}

func (f *fakeJira) User(_ context.Context, accountID string) (*pmprovider.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	name, ok := f.users[accountID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", accountID)
	}
	return &pmprovider.User{AccountID: accountID, DisplayName: name}, nil
}

// memCache is a map-backed cache.Cache recording TTLs.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	gets int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type enqueued struct {
	subject string
	data    []byte
	msgID   string
}

// fakeQueue records queue traffic.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []enqueued
	removed    []string
	enqueueErr error
	handler    messagequeue.Handler
}

func (q *fakeQueue) Enqueue(_ context.Context, subject string, data []byte, msgID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.enqueued = append(q.enqueued, enqueued{subject: subject, data: data, msgID: msgID})
	return fmt.Sprintf("%d", len(q.enqueued)), nil
}

func (q *fakeQueue) Remove(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, handle)
	return nil
}

func (q *fakeQueue) Consume(_ context.Context, _ string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }
