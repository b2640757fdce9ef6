package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/ashwinsrini/how-do-i-fare/internal/adapter/otel"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/github"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/cache"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/gitprovider"
)

const (
	githubNamePrefix = "gh:name:"
	pullPageSize     = 100
)

// GitHubSource syncs organizations, repositories, pull requests and
// reviews visible to a GitHub token.
type GitHubSource struct {
	store   database.Store
	clients gitprovider.Factory
	names   cache.Cache
	nameCfg NameCacheConfig
	metrics *cfotel.Metrics
}

// NewGitHubSource creates the GitHub plug-in. names may be nil.
func NewGitHubSource(store database.Store, clients gitprovider.Factory, names cache.Cache, nameCfg NameCacheConfig) *GitHubSource {
	return &GitHubSource{store: store, clients: clients, names: names, nameCfg: nameCfg}
}

// SetMetrics attaches OTEL instruments.
func (s *GitHubSource) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// System implements Source.
func (s *GitHubSource) System() credential.System { return credential.SystemGitHub }

// Open implements Source.
func (s *GitHubSource) Open(ctx context.Context, run *Run) (Session, error) {
	phase := run.Progress.Throttled(ctx)
	client := s.clients(run.Secret, func(wait time.Duration) {
		if s.metrics != nil {
			s.metrics.Throttled.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.system", "github")))
		}
		phase(wait)
	})
	sess := &githubSession{store: s.store, client: client, run: run}
	sess.names = NewNameResolver(s.names, s.nameCfg, githubNamePrefix, s.store.FindDisplayName,
		func(ctx context.Context, login string) (string, error) {
			acc, err := client.UserProfile(ctx, login)
			if err != nil {
				return "", err
			}
			return acc.Name, nil
		})
	return sess, nil
}

type githubSession struct {
	store  database.Store
	client gitprovider.Client
	run    *Run
	names  *NameResolver
}

type githubOrgScope struct {
	account  gitprovider.Account
	personal bool
	row      *github.Organization
}

// Discover lists the user's personal organization followed by every
// organization the token belongs to.
func (g *githubSession) Discover(ctx context.Context) ([]Scope, error) {
	g.run.Progress.SetPhase(ctx, "Fetching organizations")

	user, err := g.client.User(ctx)
	if err != nil {
		return nil, err
	}
	if user.Login != "" && user.Login != g.run.Credential.Username {
		if err := g.store.UpdateGitHubUsername(ctx, g.run.Credential.ID, user.Login); err != nil {
			return nil, err
		}
		g.run.Credential.Username = user.Login
	}

	orgs, err := g.client.Orgs(ctx)
	if err != nil {
		return nil, err
	}

	scopes := make([]Scope, 0, len(orgs)+1)
	scopes = append(scopes, Scope{
		Label:  user.Login,
		Target: database.LockGitHubOrg,
		Data:   &githubOrgScope{account: *user, personal: true},
	})
	for _, o := range orgs {
		scopes = append(scopes, Scope{
			Label:  o.Login,
			Target: database.LockGitHubOrg,
			Data:   &githubOrgScope{account: o},
		})
	}
	slog.InfoContext(ctx, "organizations discovered", "count", len(scopes))
	return scopes, nil
}

// Prepare upserts the organization and its link to the credential.
func (g *githubSession) Prepare(ctx context.Context, scope *Scope) (bool, error) {
	data := scope.Data.(*githubOrgScope)
	row := &github.Organization{
		GitHubOrgID: data.account.ID,
		Login:       data.account.Login,
		Name:        data.account.Name,
		AvatarURL:   data.account.AvatarURL,
		IsPersonal:  data.personal,
	}
	if err := g.store.UpsertGitHubOrg(ctx, row); err != nil {
		return false, err
	}
	if err := g.store.LinkCredentialOrg(ctx, g.run.Credential.ID, row.ID); err != nil {
		return false, err
	}
	data.row = row
	scope.ID = row.ID
	return g.run.Filters.AllowsOrg(row.ID), nil
}

// Sync fetches members, repositories and pull requests of one organization.
func (g *githubSession) Sync(ctx context.Context, scope *Scope) error {
	data := scope.Data.(*githubOrgScope)
	org := data.row

	if !data.personal {
		g.syncMembers(ctx, org)
	}

	g.run.Progress.SetPhase(ctx, fmt.Sprintf("Syncing %s: fetching repos", org.Login))
	repos, err := g.repos(ctx, data)
	if err != nil {
		return err
	}

	for _, r := range repos {
		if g.run.Progress.ShouldStop(ctx) {
			return errStopped
		}
		row := &github.Repository{
			OrgID:         org.ID,
			GitHubRepoID:  r.ID,
			Name:          r.Name,
			FullName:      r.FullName,
			Private:       r.Private,
			DefaultBranch: r.DefaultBranch,
		}
		if err := g.store.UpsertGitHubRepo(ctx, row); err != nil {
			return err
		}
		if !g.run.Filters.AllowsRepo(row.ID) {
			continue
		}
		if err := g.syncPulls(ctx, org, row); err != nil {
			return err
		}
	}
	return nil
}

func (g *githubSession) syncMembers(ctx context.Context, org *github.Organization) {
	g.run.Progress.SetPhase(ctx, fmt.Sprintf("Syncing %s: fetching members", org.Login))
	members, err := g.client.OrgMembers(ctx, org.Login)
	if err != nil {
		slog.WarnContext(ctx, "could not fetch members", "org", org.Login, "error", err)
		return
	}
	for _, m := range members {
		err := g.store.UpsertGitHubMember(ctx, &github.Member{
			OrgID:        org.ID,
			GitHubUserID: m.ID,
			Login:        m.Login,
			AvatarURL:    m.AvatarURL,
		})
		if err != nil {
			slog.WarnContext(ctx, "could not store member", "org", org.Login, "login", m.Login, "error", err)
		}
	}
}

// repos lists the repositories of one organization. For a real
// organization the org listing is merged with the user's own
// organization-member repositories, which the org listing can miss.
func (g *githubSession) repos(ctx context.Context, data *githubOrgScope) ([]gitprovider.Repo, error) {
	if data.personal {
		return g.client.UserRepos(ctx, gitprovider.AffiliationOwner)
	}

	orgRepos, err := g.client.OrgRepos(ctx, data.account.Login)
	if err != nil {
		return nil, err
	}
	mine, err := g.client.UserRepos(ctx, gitprovider.AffiliationOrganizationMember)
	if err != nil {
		slog.WarnContext(ctx, "could not fetch user org repos", "org", data.account.Login, "error", err)
	}

	seen := make(map[int64]bool, len(orgRepos))
	merged := make([]gitprovider.Repo, 0, len(orgRepos))
	for _, r := range orgRepos {
		if !seen[r.ID] {
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}
	extra := 0
	for _, r := range mine {
		if strings.EqualFold(r.OwnerLogin, data.account.Login) && !seen[r.ID] {
			seen[r.ID] = true
			merged = append(merged, r)
			extra++
		}
	}
	slog.InfoContext(ctx, "repositories listed", "org", data.account.Login,
		"org_repos", len(orgRepos), "user_org_repos", extra, "merged", len(merged))
	return merged, nil
}

// syncPulls pages through a repository's pull requests. A full sync walks
// every page in creation order. An incremental sync walks newest-updated
// first and stops after a page with nothing new or updated.
func (g *githubSession) syncPulls(ctx context.Context, org *github.Organization, repo *github.Repository) error {
	sort := gitprovider.SortCreated
	if g.run.Incremental() {
		sort = gitprovider.SortUpdated
	}
	owner, name := repo.Owner()

	for page := 1; ; page++ {
		g.run.Progress.SetPhase(ctx, fmt.Sprintf("Syncing %s: %s, PRs page %d", org.Login, repo.Name, page))
		prs, err := g.client.PullRequests(ctx, owner, name, gitprovider.PullRequestPage{
			Sort:    sort,
			Page:    page,
			PerPage: pullPageSize,
		})
		if err != nil {
			return err
		}
		if len(prs) == 0 {
			return nil
		}

		fresh := 0
		for i := range prs {
			isNew, err := g.syncPull(ctx, org, repo, owner, name, &prs[i])
			if err != nil {
				return err
			}
			if isNew {
				fresh++
			}
			g.run.Progress.Increment(ctx, 1)
		}

		if g.run.Incremental() && fresh == 0 {
			slog.DebugContext(ctx, "page had no new or updated pull requests, stopping early",
				"repo", repo.FullName, "page", page)
			return nil
		}
		if len(prs) < pullPageSize {
			return nil
		}
	}
}

// syncPull stores one pull request and reports whether it is new or
// updated since the last sync. Only those get the detail and review
// fetches; failures there are logged and skipped.
func (g *githubSession) syncPull(ctx context.Context, org *github.Organization, repo *github.Repository, owner, name string, pr *gitprovider.PullRequest) (bool, error) {
	rec := &github.PullRequest{
		RepoID:     repo.ID,
		GitHubPRID: pr.ID,
		Number:     pr.Number,
		Title:      pr.Title,
		State:      pr.State,
		Draft:      pr.Draft,
		Merged:     pr.MergedAt != nil,
		CreatedAt:  pr.CreatedAt,
		UpdatedAt:  pr.UpdatedAt,
		MergedAt:   pr.MergedAt,
		ClosedAt:   pr.ClosedAt,
	}
	if a := pr.Author; a != nil {
		rec.AuthorLogin = a.Login
		rec.AuthorID = a.ID
		rec.AuthorAvatarURL = a.AvatarURL
		rec.AuthorName = g.names.Ptr(ctx, a.Login)
	}

	created, err := g.store.UpsertPullRequest(ctx, rec)
	if err != nil {
		return false, err
	}
	since := g.run.Since
	if !created && since != nil && !pr.UpdatedAt.After(*since) {
		return false, nil
	}

	detail, err := g.client.PullRequest(ctx, owner, name, pr.Number)
	if err != nil {
		slog.WarnContext(ctx, "could not fetch pull request detail", "repo", repo.FullName, "number", pr.Number, "error", err)
	} else {
		rec.Additions = &detail.Additions
		rec.Deletions = &detail.Deletions
		rec.ChangedFiles = &detail.ChangedFiles
		rec.Merged = detail.Merged
		if _, err := g.store.UpsertPullRequest(ctx, rec); err != nil {
			return true, err
		}
	}

	g.run.Progress.SetPhase(ctx, fmt.Sprintf("Syncing %s: %s, reviews for #%d", org.Login, repo.Name, pr.Number))
	reviews, err := g.client.Reviews(ctx, owner, name, pr.Number)
	if err != nil {
		slog.WarnContext(ctx, "could not fetch reviews", "repo", repo.FullName, "number", pr.Number, "error", err)
		return true, nil
	}
	for _, rv := range reviews {
		row := &github.Review{
			PullRequestID:  rec.ID,
			GitHubReviewID: rv.ID,
			State:          rv.State,
			SubmittedAt:    rv.SubmittedAt,
		}
		if r := rv.Reviewer; r != nil {
			row.ReviewerLogin = r.Login
			row.ReviewerID = r.ID
			row.ReviewerAvatarURL = r.AvatarURL
			row.ReviewerName = g.names.Ptr(ctx, r.Login)
		}
		if err := g.store.UpsertReview(ctx, row); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Backfill resolves display names for authors and reviewers stored without one.
func (g *githubSession) Backfill(ctx context.Context) error {
	g.run.Progress.SetPhase(ctx, "Resolving display names")
	n, err := backfillNames(ctx, g.names, g.store.ListLoginsMissingNames, g.store.SetDisplayName, g.run.Progress.ShouldStop)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "display names backfilled", "rows", n)
	return nil
}
