package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"runway/internal/app"
	"runway/internal/config"
	"runway/internal/db"
	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/executor"
	"runway/internal/migrate"
	"runway/internal/orchestrator"
	"runway/internal/repo"
	"runway/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rw",
	Short: "Runway CLI",
	Long: `Runway turns business events into approved issue-tracker actions.
A trigger starts an agent run: a drafting loop produces a canonical
draft under guardrails, a human approves or rejects it, and the
approved action executes against the external tracker through a
durable, retrying job queue.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("RUNWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(costCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("workspace ready; %s already exists\n", cfgPath)
				return nil
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("workspace ready; wrote %s\n", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{
				Workspace: viper.GetString("workspace"),
				Log:       newLogger(),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			jwtSecret := a.Cfg.Server.JWTSecret
			if env := os.Getenv("RUNWAY_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or RUNWAY_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Repo:     a.Repo,
				Orch:     a.Orch,
				Queue:    a.Queue,
				Tracker:  a.Orch.Tracker,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return a.StartWorkers(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Runway API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func triggerCmd() *cobra.Command {
	var triggerType, text, actionType, issueKey, targetState string
	var citations []string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a run from a business event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var cites []domain.SourceCitation
				for _, c := range citations {
					cites = append(cites, domain.SourceCitation{
						Type:       domain.CitationManualDoc,
						LocatorURL: c,
						Identifier: c,
					})
				}
				run, err := a.Orch.StartRun(ctx, orchestrator.TriggerPayload{
					TriggerType: domain.TriggerType(triggerType),
					Text:        text,
					Citations:   cites,
					RequesterID: viper.GetString("actor-id"),
					Channel:     domain.ChannelDashboard,
					Action: executor.Action{
						Type:        domain.ApprovalType(actionType),
						IssueKey:    issueKey,
						TargetState: targetState,
					},
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&triggerType, "type", string(domain.TriggerManualReview), "trigger type")
	cmd.Flags().StringVar(&text, "text", "", "source material")
	cmd.Flags().StringVar(&actionType, "action", string(domain.ApprovalCreate), "action type: CREATE, UPDATE or TRANSITION")
	cmd.Flags().StringVar(&issueKey, "issue", "", "issue key for UPDATE/TRANSITION")
	cmd.Flags().StringVar(&targetState, "state", "", "target workflow state for TRANSITION")
	cmd.Flags().StringSliceVar(&citations, "cite", nil, "source citation reference (repeatable)")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect and manage runs"}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runEventsCmd())
	run.AddCommand(runCancelCmd())
	return run
}

func runListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, repo.RunListOptions{
					Status: domain.RunStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trigger", "Status", "Iterations", "Degraded", "Updated"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.TriggerType, r.Status, r.Iterations, r.Degraded, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"run": run}
				if d, err := r.GetDraft(ctx, run.ID); err == nil {
					out["draft"] = d
				} else if err != repo.ErrNotFound {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func runEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Audit trail for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.EventsForRun(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Abort a non-terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Orch.CancelRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	appr := &cobra.Command{Use: "approval", Short: "Pending approvals and decisions"}
	appr.AddCommand(approvalListCmd())
	appr.AddCommand(approvalDecideCmd())
	return appr
}

func approvalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				approvals, err := r.ListApprovals(ctx, repo.ApprovalListOptions{
					Status: domain.ApprovalStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(approvals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Run", "Type", "Status", "Expires", "Decided By"})
				for _, a := range approvals {
					tw.AppendRow(table.Row{a.ID, a.RunID, a.Type, a.Status, a.ExpiresAt, a.DecidedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.ApprovalPending), "status filter (empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "Approve or reject a suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				decision, _ := json.Marshal(map[string]bool{"approved": approve})
				job, err := a.Orch.EnqueueDecision(ctx, args[0], viper.GetString("actor-id"), decision)
				if err != nil {
					return err
				}
				fmt.Printf("decision queued as job %s; run 'rw serve' workers apply it\n", job.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the pending action")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the pending action")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Queue inspection and dead-letter recovery"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobReplayCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var queueName, status, runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, repo.JobListOptions{
					Queue:  queueName,
					Status: domain.JobStatus(status),
					RunID:  runID,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Queue", "Kind", "Run", "Status", "Attempt", "Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Queue, j.Kind, j.RunID, j.Status, j.Attempt, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "queue filter: inbound, outbound or dead_letter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Job detail with attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := r.ListJobAttempts(ctx, job.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": job, "attempts": attempts})
			})
		},
	}
	return cmd
}

func jobReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Re-queue a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Queue.Replay(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Queue.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job is not queued")
				}
				fmt.Println("canceled")
				return nil
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{Use: "decision", Short: "Durable decision records"}
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionMarkCmd("supersede", "Mark a decision superseded by a newer one", domain.DecisionSuperseded))
	dec.AddCommand(decisionMarkCmd("revoke", "Revoke a decision that no longer holds", domain.DecisionRevoked))
	return dec
}

func decisionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				decisions, err := r.ListDecisions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(decisions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Run", "Title", "Status", "Created"})
				for _, d := range decisions {
					tw.AppendRow(table.Row{d.ID, d.RunID, d.Title, d.Status, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func decisionMarkCmd(use, short string, status domain.DecisionStatus) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   use + " <decision-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == domain.DecisionSuperseded && by == "" {
				return fmt.Errorf("--by is required: the superseding decision id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.MarkDecisionStatus(ctx, tx, d.ID, status, by); err != nil {
					return err
				}
				w := events.Writer{DB: r.DB, Now: time.Now}
				if err := w.Append(ctx, tx, "decision."+strings.ToLower(string(status)), d.RunID, "decision", d.ID,
					viper.GetString("actor-id"), events.EventPayload{"superseded_by": by}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("decision %s marked %s\n", d.ID, status)
				return nil
			})
		},
	}
	if status == domain.DecisionSuperseded {
		cmd.Flags().StringVar(&by, "by", "", "id of the superseding decision")
	}
	return cmd
}

func costCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Accumulated drafting spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var cursor time.Time
				if since != "" {
					t, err := time.Parse(time.RFC3339, since)
					if err != nil {
						return fmt.Errorf("invalid --since: %w", err)
					}
					cursor = t
				}
				total, err := a.Orch.Tracker.GetTotalCost(ctx, cursor)
				if err != nil {
					return err
				}
				return printJSONOrTable(total)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate runway.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys for external collaborators"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the raw key prints once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("api key %s created for %s:\n%s\n", k.ID, k.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	return key
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(app.Options{
		Workspace: viper.GetString("workspace"),
		Log:       newLogger(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
