package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/term"

	cfnats "github.com/ashwinsrini/how-do-i-fare/internal/adapter/nats"
	"github.com/ashwinsrini/how-do-i-fare/internal/adapter/postgres"
	"github.com/ashwinsrini/how-do-i-fare/internal/config"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
	"github.com/ashwinsrini/how-do-i-fare/internal/domain/syncjob"
	"github.com/ashwinsrini/how-do-i-fare/internal/secrets"
	"github.com/ashwinsrini/how-do-i-fare/internal/service"
)

// cliDeps are the services operator commands work through.
type cliDeps struct {
	cfg       *config.Config
	store     *postgres.Store
	sync      *service.SyncService
	scheduler *service.Scheduler
	cleanup   func()
}

// loadDeps connects to Postgres and, when withQueue is set, to NATS. The
// queue is needed by commands that enqueue or remove jobs.
func loadDeps(ctx context.Context, withQueue bool) (*cliDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	cleanup := func() { pool.Close() }

	store := postgres.NewStore(pool)
	var syncSvc *service.SyncService
	if withQueue {
		queue, err := cfnats.Connect(ctx, cfg.NATS.URL, natsOptions(cfg))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		cleanup = closeAll(pool, queue)
		syncSvc = service.NewSyncService(store, queue, cfg.Sync.DefaultIntervalHours)
	} else {
		syncSvc = service.NewSyncService(store, nil, cfg.Sync.DefaultIntervalHours)
	}
	scheduler := service.NewScheduler(store, syncSvc, cfg.Sync.ScheduleTick)
	syncSvc.SetRescheduler(scheduler)

	return &cliDeps{cfg: cfg, store: store, sync: syncSvc, scheduler: scheduler, cleanup: cleanup}, nil
}

func closeAll(pool *pgxpool.Pool, queue *cfnats.Queue) func() {
	return func() {
		_ = queue.Close()
		pool.Close()
	}
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations")
	version := fs.Bool("version", false, "print the current schema version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch {
	case *version:
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d\n", v)
		return nil
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *down)
		return nil
	default:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Migrations applied")
		return nil
	}
}

func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	n, err := deps.scheduler.Reschedule(ctx)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Installed %d schedule(s)\n", n)
	return nil
}

func runTrigger(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	orgs := fs.String("orgs", "", "comma-separated organization row IDs (github)")
	repos := fs.String("repos", "", "comma-separated repository row IDs (github)")
	projects := fs.String("projects", "", "comma-separated project keys (jira)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	system, credID, err := systemAndCredential(fs.Args())
	if err != nil {
		return err
	}
	filters, err := parseFilters(*orgs, *repos, *projects)
	if err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, true)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	job, err := deps.sync.Trigger(ctx, system, credID, filters, syncjob.TriggerManual)
	switch {
	case errors.Is(err, domain.ErrConflict):
		return fmt.Errorf("a sync is already pending or running for %s", credID)
	case err != nil:
		return fmt.Errorf("trigger: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Queued job %d (%s)\n", job.ID, job.Status)
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: howdoifare cancel <jobId>")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", fs.Arg(0))
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, true)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	job, err := deps.sync.Cancel(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("job %d not found", id)
	case errors.Is(err, domain.ErrConflict):
		return fmt.Errorf("job %d already finished", id)
	case err != nil:
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Cancelled job %d\n", job.ID)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	system, credID, err := systemAndCredential(fs.Args())
	if err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	job, err := deps.sync.Status(ctx, system, credID)
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Println("No sync jobs yet.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return printJobs([]syncjob.Job{*job})
}

func runJobs(args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of jobs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	jobs, err := deps.sync.RecentJobs(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No sync jobs yet.")
		return nil
	}
	return printJobs(jobs)
}

func runInterval(args []string) error {
	fs := flag.NewFlagSet("interval", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return errors.New("usage: howdoifare interval [hours]")
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if fs.NArg() == 0 {
		h, err := deps.sync.SyncInterval(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Sync interval: %dh\n", h)
		return nil
	}

	hours, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid hours %q", fs.Arg(0))
	}
	if err := deps.sync.SetSyncInterval(ctx, hours); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Sync interval set to %dh, schedules rebuilt\n", hours)
	return nil
}

func runCredential(args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: howdoifare credential add <github|jira> [options]")
	}

	fs := flag.NewFlagSet("credential add", flag.ContinueOnError)
	userID := fs.String("user", "", "owning user id (required)")
	label := fs.String("label", "", "display label")
	domainName := fs.String("domain", "", "Jira site, e.g. acme.atlassian.net")
	email := fs.String("email", "", "Jira account email")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: howdoifare credential add <github|jira> [options]")
	}
	system, err := credential.ParseSystem(fs.Arg(0))
	if err != nil {
		return err
	}

	req := &credential.CreateRequest{
		System: system,
		UserID: *userID,
		Label:  *label,
		Domain: *domainName,
		Email:  *email,
	}
	if req.Secret, err = promptSecret("Token: "); err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	vault, err := secrets.NewVault(keyLoader(deps.cfg))
	if err != nil {
		return err
	}
	cipher, err := secrets.NewVaultCipher(vault)
	if err != nil {
		return err
	}
	sealed, err := cipher.Encrypt(req.Secret)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	c := &credential.Credential{
		ID:        credential.NewID(system),
		System:    system,
		UserID:    req.UserID,
		Label:     req.Label,
		Secret:    sealed,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		Domain:    req.Domain,
		Email:     req.Email,
	}
	if err := deps.store.CreateCredential(ctx, c); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Credential stored: %s\n", c.ID)
	return nil
}

func systemAndCredential(args []string) (credential.System, string, error) {
	if len(args) != 2 {
		return "", "", errors.New("expected <github|jira> <credentialId>")
	}
	system, err := credential.ParseSystem(args[0])
	if err != nil {
		return "", "", err
	}
	return system, args[1], nil
}

// parseFilters builds job filters from comma-separated flag values. It
// returns nil when nothing was given.
func parseFilters(orgs, repos, projects string) (*syncjob.Filters, error) {
	f := &syncjob.Filters{}
	var err error
	if f.OrgIDs, err = parseIDs(orgs); err != nil {
		return nil, fmt.Errorf("--orgs: %w", err)
	}
	if f.RepoIDs, err = parseIDs(repos); err != nil {
		return nil, fmt.Errorf("--repos: %w", err)
	}
	for _, k := range strings.Split(projects, ",") {
		if k = strings.TrimSpace(k); k != "" {
			f.ProjectKeys = append(f.ProjectKeys, k)
		}
	}
	if f.Empty() {
		return nil, nil
	}
	return f, nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJobs(jobs []syncjob.Job) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tCREDENTIAL\tTRIGGER\tSTATUS\tPROGRESS\tPHASE\tCREATED")
	for i := range jobs {
		j := &jobs[i]
		phase := ""
		if j.CurrentPhase != nil {
			phase = *j.CurrentPhase
		} else if j.Error != nil {
			phase = *j.Error
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.CredentialID, j.Trigger, j.Status,
			j.ProcessedItems, j.TotalItems, phase, j.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
