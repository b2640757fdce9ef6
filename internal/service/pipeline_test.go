package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/github"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/gitprovider"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/messagequeue"
)

const testToken = "ghp_s3cr3tT0ken"

var syncStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type githubEnv struct {
	store    *memStore
	client   *fakeGitHub
	pipeline *Pipeline
	cred     *credential.Credential
}

func newGitHubEnv(t *testing.T) *githubEnv {
	t.Helper()
	store := newMemStore()
	cred := &credential.Credential{
		ID:       "gcred_1",
		System:   credential.SystemGitHub,
		UserID:   "u1",
		Secret:   "enc:" + testToken,
		IsActive: true,
	}
	if err := store.CreateCredential(context.Background(), cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	client := newFakeGitHub()
	client.user = gitprovider.Account{ID: 10, Login: "alice", Name: "Alice"}
	client.orgs = []gitprovider.Account{{ID: 20, Login: "acme"}}
	client.orgRepos["acme"] = []gitprovider.Repo{{ID: 30, Name: "api", FullName: "acme/api", OwnerLogin: "acme"}}

	src := NewGitHubSource(store, client.factory(), nil, NameCacheConfig{})
	p := NewPipeline(store, prefixDecrypter{}, PipelineConfig{FlushInterval: time.Hour}, src)
	p.now = func() time.Time { return syncStart }
	return &githubEnv{store: store, client: client, pipeline: p, cred: cred}
}

func makePulls(n int, updated func(i int) time.Time) []gitprovider.PullRequest {
	prs := make([]gitprovider.PullRequest, n)
	for i := range prs {
		prs[i] = gitprovider.PullRequest{
			ID:        int64(1000 + i),
			Number:    i + 1,
			Title:     fmt.Sprintf("PR %d", i+1),
			State:     "open",
			Author:    &gitprovider.Account{ID: 10, Login: "alice"},
			CreatedAt: syncStart.Add(-48 * time.Hour),
			UpdatedAt: updated(i),
		}
	}
	return prs
}

func (e *githubEnv) run(t *testing.T) error {
	t.Helper()
	return e.pipeline.Run(context.Background(), syncjob.Descriptor{
		System:       credential.SystemGitHub,
		CredentialID: e.cred.ID,
		Trigger:      syncjob.TriggerManual,
	})
}

func (e *githubEnv) onlyJob(t *testing.T) *syncjob.Job {
	t.Helper()
	jobs, _ := e.store.ListRecentSyncJobs(context.Background(), 10)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	return &jobs[0]
}

func TestPipeline_GitHubFullSyncPagesPullRequests(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.pulls["acme/api"] = makePulls(150, func(int) time.Time { return syncStart.Add(-time.Hour) })
	env.client.reviews[1] = []gitprovider.Review{{ID: 5000, State: "APPROVED", Reviewer: &gitprovider.Account{ID: 11, Login: "bob"}}}

	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := env.client.pageCalls["acme/api"]
	if len(calls) != 2 {
		t.Fatalf("expected 2 page requests, got %d", len(calls))
	}
	for i, c := range calls {
		if c.Page != i+1 || c.PerPage != 100 || c.Sort != gitprovider.SortCreated {
			t.Errorf("page request %d = %+v", i, c)
		}
	}
	if len(env.store.pulls) != 150 {
		t.Errorf("stored pulls = %d, want 150", len(env.store.pulls))
	}
	if env.client.detailCalls != 150 {
		t.Errorf("detail calls = %d, want 150", env.client.detailCalls)
	}
	if pr := env.store.pulls[1000]; pr.Additions == nil || *pr.Additions != 1 {
		t.Errorf("detail not stored on first PR: %+v", pr)
	}
	if len(env.store.reviews) != 1 {
		t.Errorf("stored reviews = %d, want 1", len(env.store.reviews))
	}

	job := env.onlyJob(t)
	if job.Status != syncjob.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.ProcessedItems != 150 {
		t.Errorf("processed = %d, want 150", job.ProcessedItems)
	}
	if job.CurrentPhase != nil {
		t.Errorf("phase should be cleared, got %q", *job.CurrentPhase)
	}
	cred, _ := env.store.GetCredential(context.Background(), credential.SystemGitHub, env.cred.ID)
	if cred.LastSyncedAt == nil || !cred.LastSyncedAt.Equal(syncStart) {
		t.Errorf("last synced = %v, want %v", cred.LastSyncedAt, syncStart)
	}
	if cred.Username != "alice" {
		t.Errorf("username = %q, want alice", cred.Username)
	}
	if len(env.store.locks) != 0 {
		t.Errorf("locks left behind: %v", env.store.locks)
	}
	if env.client.token != testToken {
		t.Errorf("client got token %q", env.client.token)
	}
}

func TestPipeline_PersonalOrgComesFirst(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.userRepos[gitprovider.AffiliationOwner] = []gitprovider.Repo{{ID: 31, Name: "dotfiles", FullName: "alice/dotfiles", OwnerLogin: "alice"}}

	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	personal, ok := env.store.orgs[10]
	if !ok || !personal.IsPersonal || personal.Login != "alice" {
		t.Fatalf("personal org not stored: %+v", personal)
	}
	if acme := env.store.orgs[20]; acme == nil || acme.ID <= personal.ID {
		t.Errorf("personal org should be processed before acme")
	}
	if got := env.store.orgLinks[env.cred.ID]; len(got) != 2 {
		t.Errorf("credential links = %v, want 2", got)
	}
	if _, ok := env.client.pageCalls["alice/dotfiles"]; !ok {
		t.Errorf("personal repo not synced")
	}
}

func TestPipeline_MergesUserOrgRepos(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.userRepos[gitprovider.AffiliationOrganizationMember] = []gitprovider.Repo{
		{ID: 30, Name: "api", FullName: "acme/api", OwnerLogin: "acme"},
		{ID: 32, Name: "secret", FullName: "acme/secret", OwnerLogin: "ACME"},
		{ID: 33, Name: "other", FullName: "globex/other", OwnerLogin: "globex"},
	}

	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.store.repos) != 2 {
		t.Fatalf("stored repos = %d, want 2", len(env.store.repos))
	}
	if _, ok := env.store.repos[33]; ok {
		t.Errorf("repo of another org was stored")
	}
}

func TestPipeline_GitHubIncrementalStopsEarly(t *testing.T) {
	env := newGitHubEnv(t)
	since := syncStart.Add(-24 * time.Hour)
	env.cred.LastSyncedAt = &since
	_ = env.store.CreateCredential(context.Background(), env.cred)

	// Newest-updated first: 3 fresh PRs, then 247 unchanged ones.
	prs := makePulls(250, func(i int) time.Time {
		if i < 3 {
			return since.Add(time.Hour)
		}
		return since.Add(-time.Duration(i) * time.Minute)
	})
	env.client.pulls["acme/api"] = prs
	for i := range prs {
		_, _ = env.store.UpsertPullRequest(context.Background(), &github.PullRequest{GitHubPRID: prs[i].ID})
	}

	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := env.client.pageCalls["acme/api"]
	if len(calls) != 2 {
		t.Fatalf("expected 2 page requests, got %d", len(calls))
	}
	if calls[0].Sort != gitprovider.SortUpdated {
		t.Errorf("sort = %s, want updated", calls[0].Sort)
	}
	if env.client.detailCalls != 3 {
		t.Errorf("detail calls = %d, want 3", env.client.detailCalls)
	}
}

func TestPipeline_SkipsLockedScope(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.pulls["acme/api"] = makePulls(5, func(int) time.Time { return syncStart })

	acme := &github.Organization{GitHubOrgID: 20, Login: "acme"}
	_ = env.store.UpsertGitHubOrg(context.Background(), acme)
	env.store.locks[lockKey(database.LockGitHubOrg, acme.ID)] = "gcred_other"

	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := env.client.pageCalls["acme/api"]; ok {
		t.Errorf("locked org was synced")
	}
	if got := env.store.locks[lockKey(database.LockGitHubOrg, acme.ID)]; got != "gcred_other" {
		t.Errorf("foreign lock was touched, holder = %q", got)
	}
	if job := env.onlyJob(t); job.Status != syncjob.StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
}

func TestPipeline_StopsWhenCancelled(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.pulls["acme/api"] = makePulls(5, func(int) time.Time { return syncStart })
	env.store.cancelAtRead = 2 // checkpoint before the second scope

	if err := env.run(t); err != nil {
		t.Fatalf("Run returned %v, want nil for a cancelled job", err)
	}
	if _, ok := env.client.pageCalls["acme/api"]; ok {
		t.Errorf("sync continued after cancellation")
	}
	job := env.onlyJob(t)
	if job.Status != syncjob.StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.CompletedAt == nil {
		t.Errorf("completed_at not recorded")
	}
	cred, _ := env.store.GetCredential(context.Background(), credential.SystemGitHub, env.cred.ID)
	if cred.LastSyncedAt != nil {
		t.Errorf("cancelled sync must not advance last_synced_at")
	}
}

func TestPipeline_FailureRedactsSecret(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.orgsErr = fmt.Errorf("GET /user/orgs with token %s: 500", testToken)

	err := env.run(t)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), testToken) {
		t.Errorf("returned error leaks token: %v", err)
	}
	if errors.Is(err, messagequeue.ErrTerminal) {
		t.Errorf("API failures should be retryable")
	}
	job := env.onlyJob(t)
	if job.Status != syncjob.StatusFailed || job.Error == nil {
		t.Fatalf("job = %+v, want failed with error", job)
	}
	if strings.Contains(*job.Error, testToken) || !strings.Contains(*job.Error, "[REDACTED]") {
		t.Errorf("stored error not redacted: %q", *job.Error)
	}
}

func TestPipeline_InactiveCredentialIsTerminal(t *testing.T) {
	env := newGitHubEnv(t)
	env.cred.IsActive = false
	_ = env.store.CreateCredential(context.Background(), env.cred)

	err := env.run(t)
	if !errors.Is(err, messagequeue.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
	job := env.onlyJob(t)
	if job.Status != syncjob.StatusFailed || job.Error == nil || *job.Error != credentialUnavailableText {
		t.Errorf("job = %+v", job)
	}
}

func TestPipeline_UndecryptableCredentialIsTerminal(t *testing.T) {
	env := newGitHubEnv(t)
	env.cred.Secret = "rotated-key-garbage"
	_ = env.store.CreateCredential(context.Background(), env.cred)

	err := env.run(t)
	if !errors.Is(err, messagequeue.ErrTerminal) || !errors.Is(err, ErrCredentialUndecryptable) {
		t.Fatalf("err = %v, want terminal undecryptable", err)
	}
	if errors.Is(err, ErrCredentialUnavailable) {
		t.Errorf("decrypt failure reported as unavailable: %v", err)
	}
	job := env.onlyJob(t)
	if job.Status != syncjob.StatusFailed || job.Error == nil || *job.Error != credentialUndecryptableText {
		t.Errorf("job = %+v", job)
	}
	if len(env.store.orgs) != 0 {
		t.Errorf("undecryptable credential reached the API")
	}
}

func TestPipeline_SkipsWhenAnotherJobActive(t *testing.T) {
	env := newGitHubEnv(t)
	if _, err := env.store.CreatePendingSyncJob(context.Background(), credential.SystemGitHub, env.cred.ID, syncjob.TriggerManual); err != nil {
		t.Fatal(err)
	}
	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.store.jobs) != 1 {
		t.Errorf("jobs = %d, want the original only", len(env.store.jobs))
	}
	if len(env.store.orgs) != 0 {
		t.Errorf("superseded run touched the API")
	}
}

func TestPipeline_QueuedJobLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled before pickup", func(t *testing.T) {
		env := newGitHubEnv(t)
		job, _ := env.store.CreatePendingSyncJob(ctx, credential.SystemGitHub, env.cred.ID, syncjob.TriggerManual)
		_, _ = env.store.CancelSyncJob(ctx, job.ID, syncStart)

		err := env.pipeline.Run(ctx, syncjob.Descriptor{System: credential.SystemGitHub, CredentialID: env.cred.ID, SyncJobID: &job.ID})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := env.store.job(job.ID).Status; got != syncjob.StatusCancelled {
			t.Errorf("status = %s, want cancelled", got)
		}
	})

	t.Run("failed job is retried", func(t *testing.T) {
		env := newGitHubEnv(t)
		job, _ := env.store.CreatePendingSyncJob(ctx, credential.SystemGitHub, env.cred.ID, syncjob.TriggerManual)
		_, _ = env.store.FailSyncJob(ctx, job.ID, "boom", syncjob.Progress{}, syncStart)

		err := env.pipeline.Run(ctx, syncjob.Descriptor{System: credential.SystemGitHub, CredentialID: env.cred.ID, SyncJobID: &job.ID})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		got := env.store.job(job.ID)
		if got.Status != syncjob.StatusCompleted || got.Error != nil {
			t.Errorf("job = %+v, want completed without error", got)
		}
	})

	t.Run("missing row is recreated", func(t *testing.T) {
		env := newGitHubEnv(t)
		ghost := int64(999)
		err := env.pipeline.Run(ctx, syncjob.Descriptor{System: credential.SystemGitHub, CredentialID: env.cred.ID, SyncJobID: &ghost})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if job := env.onlyJob(t); job.Status != syncjob.StatusCompleted || job.Trigger != syncjob.TriggerScheduled {
			t.Errorf("job = %+v", job)
		}
	})
}

func TestPipeline_UnknownSystemIsTerminal(t *testing.T) {
	env := newGitHubEnv(t)
	err := env.pipeline.Run(context.Background(), syncjob.Descriptor{System: credential.SystemJira, CredentialID: "jcred_1"})
	if !errors.Is(err, messagequeue.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
}

func TestPipeline_FiltersOrgsAndRepos(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.orgRepos["acme"] = append(env.client.orgRepos["acme"],
		gitprovider.Repo{ID: 34, Name: "web", FullName: "acme/web", OwnerLogin: "acme"})

	// Seed rows so the filter can name them.
	acme := &github.Organization{GitHubOrgID: 20, Login: "acme"}
	_ = env.store.UpsertGitHubOrg(context.Background(), acme)
	web := &github.Repository{GitHubRepoID: 34, OrgID: acme.ID, Name: "web", FullName: "acme/web"}
	_ = env.store.UpsertGitHubRepo(context.Background(), web)

	err := env.pipeline.Run(context.Background(), syncjob.Descriptor{
		System:       credential.SystemGitHub,
		CredentialID: env.cred.ID,
		Filters:      &syncjob.Filters{OrgIDs: []int64{acme.ID}, RepoIDs: []int64{web.ID}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := env.client.pageCalls["acme/api"]; ok {
		t.Errorf("filtered repo was synced")
	}
	if _, ok := env.client.pageCalls["acme/web"]; !ok {
		t.Errorf("selected repo was not synced")
	}
}

func TestPipeline_BackfillsMissingNames(t *testing.T) {
	env := newGitHubEnv(t)
	env.client.pulls["acme/api"] = makePulls(2, func(int) time.Time { return syncStart })
	env.client.profiles["alice"] = `Corp\Alice Liddell`

	if err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, pr := range env.store.pulls {
		if pr.AuthorName == nil || *pr.AuthorName != "Alice Liddell" {
			t.Errorf("author name = %v, want Alice Liddell", pr.AuthorName)
		}
	}
	if env.client.profileCalls != 1 {
		t.Errorf("profile lookups = %d, want 1", env.client.profileCalls)
	}
}
