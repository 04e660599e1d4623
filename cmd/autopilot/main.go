package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/autopilot-ci/autopilot/internal/autopilot/db"
	ghclient "github.com/autopilot-ci/autopilot/internal/autopilot/github"
	"github.com/autopilot-ci/autopilot/internal/autopilot/jira"
	"github.com/autopilot-ci/autopilot/internal/autopilot/monitor"
	"github.com/autopilot-ci/autopilot/internal/autopilot/processor"
	"github.com/autopilot-ci/autopilot/internal/autopilot/scaffold"
	"github.com/autopilot-ci/autopilot/internal/autopilot/scheduler"
	"github.com/autopilot-ci/autopilot/internal/autopilot/server"
	"github.com/autopilot-ci/autopilot/internal/autopilot/stack"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
	"github.com/autopilot-ci/autopilot/internal/autopilot/worker"
	"github.com/autopilot-ci/autopilot/internal/config"
)

var version = "dev"

const defaultAddr = "127.0.0.1:8422"

func usage() {
	fmt.Fprintf(os.Stderr, `autopilot: issue-to-merged-PR orchestration loop

Usage:
  autopilot serve [flags]   Start the orchestration loop and status API

Flags:
  --addr         Address to listen on (default: %s)
  --config       Config file path (default: %s)
  --jira-url     Override the Jira base URL (env: JIRA_BASE_URL)
  --github-url   Override the GitHub API endpoint (env: AUTOPILOT_GITHUB_URL)

Environment:
  JIRA_BASE_URL, JIRA_USER_EMAIL, JIRA_API_TOKEN      Tracker credentials
  GITHUB_TOKEN                                        GitHub token auth
  GITHUB_APP_CLIENT_ID, GITHUB_APP_INSTALLATION_ID,
  GITHUB_APP_PRIVATE_KEY_PATH                         GitHub App auth
`, defaultAddr, config.DefaultPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("autopilot " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "autopilot %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	addr := defaultAddr
	configPath := ""
	jiraURL := os.Getenv("JIRA_BASE_URL")
	githubURL := os.Getenv("AUTOPILOT_GITHUB_URL")

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--jira-url":
			if i+1 < len(args) {
				jiraURL = args[i+1]
				i++
			}
		case "--github-url":
			if i+1 < len(args) {
				githubURL = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}

	// --- 1. Signal handling for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Open database ---
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = db.DefaultPath()
		if err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	// --- 3. Tracker and repository clients ---
	if jiraURL == "" {
		return fmt.Errorf("missing Jira base URL (set JIRA_BASE_URL or pass --jira-url)")
	}
	jiraEmail := os.Getenv("JIRA_USER_EMAIL")
	jiraToken := os.Getenv("JIRA_API_TOKEN")
	if jiraEmail == "" || jiraToken == "" {
		return fmt.Errorf("missing Jira credentials (set JIRA_USER_EMAIL and JIRA_API_TOKEN)")
	}
	issues := jira.New(jiraURL, jiraEmail, jiraToken)

	var ghOpts []ghclient.Option
	if githubURL != "" {
		ghOpts = append(ghOpts, ghclient.WithBaseURL(githubURL+"/"))
	}
	if clientID := os.Getenv("GITHUB_APP_CLIENT_ID"); clientID != "" {
		installationID, err := strconv.ParseInt(os.Getenv("GITHUB_APP_INSTALLATION_ID"), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing GITHUB_APP_INSTALLATION_ID: %w", err)
		}
		ghOpts = append(ghOpts, ghclient.WithAppAuth(ghclient.AppCredentials{
			ClientID:       clientID,
			InstallationID: installationID,
			PrivateKeyPath: os.Getenv("GITHUB_APP_PRIVATE_KEY_PATH"),
		}))
	}
	repos, err := ghclient.New(os.Getenv("GITHUB_TOKEN"), ghOpts...)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	// --- 4. Store, hub, activity fanout ---
	hub := server.NewHub(logger)
	st := store.New(cfg.HistoryLimit, store.WithHistorySink(database))
	if history, err := database.RecentHistory(cfg.HistoryLimit); err != nil {
		logger.Warn("loading history", "error", err)
	} else {
		st.LoadHistory(history)
	}

	activity := &activityFanout{db: database, hub: hub, logger: logger}

	// --- 5. Ticket processor and worker pool ---
	proc := processor.New(processor.Config{
		Repos:    repos,
		Issues:   issues,
		Scaffold: scaffold.WorkflowGenerator{},
		Store:    st,
		Activity: activity,
		Settings: processor.Settings{
			DefaultRepo:      cfg.DefaultRepo,
			RepoByProject:    cfg.Repos,
			DefaultStack:     stack.Parse(cfg.DefaultStack),
			BaseBranch:       cfg.BaseBranch,
			BranchMode:       processor.BranchMode(cfg.BranchMode),
			InProgressStatus: cfg.InProgressStatus,
			InReviewStatus:   cfg.InReviewStatus,
		},
		Logger: logger,
	})

	dispatcher := worker.New(worker.Config{
		Store:      st,
		Activity:   activity,
		MaxWorkers: cfg.Workers,
		Logger:     logger,
		OnFailure: func(issueKey string, procErr error) {
			// A claimed issue was skipped, not broken; the owner does not
			// need a failure comment.
			if errors.Is(procErr, processor.ErrIssueClaimed) {
				return
			}
			err := issues.PostComment(context.Background(), issueKey,
				fmt.Sprintf("Automated processing failed: %v", procErr), "", "")
			if err != nil {
				logger.Warn("posting failure comment", "issue", issueKey, "error", err)
			}
		},
	})

	// --- 6. Discovery scheduler and PR monitor ---
	wake := make(chan struct{}, 1)
	sched := scheduler.New(scheduler.Config{
		Issues:     issues,
		Processor:  proc,
		Store:      st,
		Dispatcher: dispatcher,
		Activity:   activity,
		Settings: scheduler.Settings{
			ProjectKeys: cfg.ProjectKeys,
			Interval:    cfg.PollInterval.Std(),
			Wake:        wake,
		},
		Logger: logger,
	})

	mon := monitor.New(monitor.Config{
		Repos:    repos,
		Issues:   issues,
		Store:    st,
		Activity: activity,
		Settings: monitor.Settings{
			Interval:              cfg.MonitorInterval.Std(),
			FailureThreshold:      cfg.FailureThreshold,
			AbandonAfter:          cfg.AbandonAfter.Std(),
			TargetStatusByProject: cfg.TargetStatuses,
			DefaultTargetStatus:   cfg.DefaultTargetStatus,
		},
		Logger: logger,
	})

	go sched.Run(ctx)
	go mon.Run(ctx)

	// --- 7. HTTP server ---
	srv, err := server.New(addr, server.Config{
		Store:   st,
		DB:      database,
		Hub:     hub,
		Workers: dispatcher,
		Wake:    wake,
		Autofix: proc.Autofix,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "autopilot listening on %s\n", srv.Addr())
	fmt.Fprintf(os.Stderr, "  projects: %v\n", cfg.ProjectKeys)
	if githubURL != "" {
		fmt.Fprintf(os.Stderr, "  GitHub API: %s\n", githubURL)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Debug("server stopped", "error", err)
		}
	}()

	// --- 8. Wait for shutdown ---
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	dispatcher.Wait()
	srv.Close()

	return nil
}
