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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/acceptance"
	"shipline/internal/app"
	"shipline/internal/check"
	"shipline/internal/checklist"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/deploy"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/gate"
	"shipline/internal/heal"
	"shipline/internal/migrate"
	"shipline/internal/notify"
	"shipline/internal/repo"
	"shipline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shipline CLI",
	Long: `Shipline orchestrates post-build delivery: a staged pipeline from queued
build artifacts through deployment, verification, and customer acceptance.
- Workspace: the .shipline directory holding the delivery database.
- Project: one deliverable product; its config lives in shipline.yml or the DB.
- Sessions: one delivery attempt each, moving through nine weighted stages.
- Checklist: readiness items scored before anything ships.
- Gate: health checks that must pass before the deploy stage is reachable.
- Acceptance: a timeout-bounded customer sign-off window after delivery.
- Issues: health problems found after delivery, auto-fixed when a strategy matches.
- Event log: the append-only delivery audit trail, view with 'sl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(acceptanceCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, name, desc)
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertProjectConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "The delivery rulebook: stage skips, retry budget, gate checks, checklist items, healing strategies, and acceptance timeouts. Loaded from shipline.yml when present, else from the DB.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default shipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "my-product", "project id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The delivery scoreboard: session counts by verdict and any open health issues.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountSessionsByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				open, err := e.Repo.ListIssues(ctx, projectID, domain.IssueOpen)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":     p.ID,
					"status":         p.Status,
					"session_counts": counts,
					"open_issues":    len(open),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Sessions:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Open issues: %d\n", len(open))
				return nil
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage delivery sessions"}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionReportCmd())
	s.AddCommand(sessionCompleteCmd())
	s.AddCommand(sessionFailCmd())
	s.AddCommand(sessionSkipCmd())
	s.AddCommand(sessionRetryCmd())
	s.AddCommand(sessionRollbackCmd())
	s.AddCommand(sessionCancelCmd())
	s.AddCommand(sessionPauseCmd())
	s.AddCommand(sessionResumeCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var productURL string
	var skips []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a delivery session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSession(ctx, engine.SessionCreateOptions{
					ProjectID:  e.Config.Project.ID,
					ProductURL: productURL,
					SkipStages: toStages(skips),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&productURL, "product-url", "", "deployed product URL")
	cmd.Flags().StringSliceVar(&skips, "skip", nil, "stages to skip (testing, verifying, configuring, notifying)")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Progress", "Status", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.CurrentStage, s.OverallProgress, s.Status, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a delivery session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s (%s) stage=%s progress=%d%%\n", s.ID, s.Status, s.CurrentStage, s.OverallProgress)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Retries", "Duration (ms)", "Error"})
				for _, st := range s.Stages {
					dur := ""
					if st.DurationMs != 0 {
						dur = fmt.Sprint(st.DurationMs)
					}
					tw.AppendRow(table.Row{st.Stage, st.Status, st.RetryCount, dur, st.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <session-id>",
		Short: "Delivery report for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Report(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func sessionCompleteCmd() *cobra.Command {
	var outputs []string
	cmd := &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Complete the running stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := parseKeyValues(outputs)
				if err != nil {
					return err
				}
				s, err := e.CompleteStage(ctx, args[0], out)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "stage output key=value")
	return cmd
}

func sessionFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <session-id>",
		Short: "Fail the running stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--error required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.FailStage(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "error", "", "failure description")
	return cmd
}

func sessionSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <session-id>",
		Short: "Skip the running stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SkipStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <session-id>",
		Short: "Retry the failed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RetryStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionRollbackCmd() *cobra.Command {
	var stageName string
	cmd := &cobra.Command{
		Use:   "rollback <session-id>",
		Short: "Roll back a completed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageName == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RollbackStage(ctx, args[0], domain.Stage(stageName))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "stage to roll back (deploying, configuring)")
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				reason = "cancelled by operator"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CancelSession(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func sessionPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Pause a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.PauseSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResumeSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func deliverCmd() *cobra.Command {
	var productURL string
	var skips, items []string
	var allPassed bool
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Run a full delivery",
		Long:  "Scores the checklist, evaluates the gate, then drives a session through every stage: prepare, build, test, deploy, verify, configure, notify, and open the acceptance window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				statuses, err := parseItemStatuses(items)
				if err != nil {
					return err
				}
				if allPassed {
					if statuses == nil {
						statuses = map[string]domain.ItemStatus{}
					}
					for _, it := range e.Config.Checklist.Items {
						if _, ok := statuses[it.Name]; !ok {
							statuses[it.Name] = domain.ItemPassed
						}
					}
				}
				o := newOrchestrator(e)
				rep, err := o.Run(ctx, engine.RunOptions{
					ProjectID:         e.Config.Project.ID,
					ProductURL:        productURL,
					SkipStages:        toStages(skips),
					ChecklistStatuses: statuses,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if rep.Blocked {
					fmt.Println("delivery blocked:", rep.BlockReason)
					for _, b := range rep.Checklist.Blockers {
						fmt.Println("  checklist:", b)
					}
					for _, b := range rep.Gate.Blockers {
						fmt.Printf("  gate: %s (%s)\n", b.Check.Name, b.Observation)
					}
					return nil
				}
				fmt.Printf("delivery %s: %s at %d%%\n", rep.Session.ID, rep.Session.Status, rep.Session.OverallProgress)
				if rep.AcceptanceID != "" {
					fmt.Println("acceptance window:", rep.AcceptanceID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productURL, "product-url", "", "deployed product URL")
	cmd.Flags().StringSliceVar(&skips, "skip", nil, "stages to skip")
	cmd.Flags().StringSliceVar(&items, "item", nil, "checklist item status name=passed|warning|failed|pending")
	cmd.Flags().BoolVar(&allPassed, "all-passed", false, "mark unlisted checklist items passed")
	return cmd
}

func gateCmd() *cobra.Command {
	var productURL string
	var strict bool
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate the delivery gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				strictMode := e.Config.Delivery.StrictGate
				if cmd.Flags().Changed("strict") {
					strictMode = strict
				}
				ev := gate.New(newExecutor(e))
				result := ev.Evaluate(ctx, e.Config.GateChecks(productURL), strictMode)
				if viper.GetBool("json") {
					return printJSON(result)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Severity", "Status", "Observation"})
				for _, it := range result.Items {
					tw.AppendRow(table.Row{it.Check.Name, it.Check.Severity, it.Status, it.Observation})
				}
				tw.Render()
				fmt.Printf("score=%.1f can_deliver=%v\n", result.OverallScore, result.CanDeliver)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productURL, "product-url", "", "deployed product URL")
	cmd.Flags().BoolVar(&strict, "strict", false, "strict mode (criticals block)")
	return cmd
}

func checklistCmd() *cobra.Command {
	var items []string
	cmd := &cobra.Command{
		Use:   "checklist",
		Short: "Score the readiness checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				statuses, err := parseItemStatuses(items)
				if err != nil {
					return err
				}
				catalogue := make([]domain.ChecklistItem, 0, len(e.Config.Checklist.Items))
				for _, it := range e.Config.Checklist.Items {
					catalogue = append(catalogue, domain.ChecklistItem{
						Name:       it.Name,
						Category:   it.Category,
						Importance: it.Importance,
					})
				}
				result := checklist.Score(checklist.FromConfigItems(catalogue, statuses))
				if viper.GetBool("json") {
					return printJSON(result)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Importance", "Status"})
				for _, it := range result.Items {
					tw.AppendRow(table.Row{it.Name, it.Importance, it.Status})
				}
				tw.Render()
				fmt.Printf("score=%.1f readiness=%s\n", result.ReadinessScore, result.OverallStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&items, "item", nil, "checklist item status name=passed|warning|failed|pending")
	return cmd
}

func acceptanceCmd() *cobra.Command {
	a := &cobra.Command{Use: "acceptance", Short: "Customer acceptance windows"}
	a.AddCommand(acceptanceListCmd())
	a.AddCommand(acceptanceShowCmd())
	a.AddCommand(acceptanceSignCmd())
	a.AddCommand(acceptanceRejectCmd())
	a.AddCommand(acceptanceEscalateCmd())
	a.AddCommand(acceptanceSweepCmd())
	a.AddCommand(acceptanceExpiringCmd())
	return a
}

func acceptanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List acceptance sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAcceptanceByProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Session", "Status", "Expires"})
				for _, a := range items {
					expires := ""
					if a.ExpiresAt != nil {
						expires = *a.ExpiresAt
					}
					tw.AppendRow(table.Row{a.ID, a.SessionID, a.Status, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func acceptanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <acceptance-id>",
		Short: "Show an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAcceptance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func acceptanceSignCmd() *cobra.Command {
	var signedBy, comment string
	var score int
	cmd := &cobra.Command{
		Use:   "sign <acceptance-id>",
		Short: "Sign off an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if signedBy == "" {
				return fmt.Errorf("--signed-by required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := newClock(e).Sign(ctx, args[0], domain.AcceptanceSignature{
					SignedBy:          signedBy,
					SatisfactionScore: score,
					Comment:           comment,
				}, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&signedBy, "signed-by", "", "who signs")
	cmd.Flags().IntVar(&score, "score", 5, "satisfaction score 1-5")
	cmd.Flags().StringVar(&comment, "comment", "", "sign-off comment")
	return cmd
}

func acceptanceRejectCmd() *cobra.Command {
	var rejectedBy string
	var issues []string
	cmd := &cobra.Command{
		Use:   "reject <acceptance-id>",
		Short: "Reject an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rejectedBy == "" {
				return fmt.Errorf("--rejected-by required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := newClock(e).Reject(ctx, args[0], rejectedBy, issues)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&rejectedBy, "rejected-by", "", "who rejects")
	cmd.Flags().StringSliceVar(&issues, "issue", nil, "reported issue")
	return cmd
}

func acceptanceEscalateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "escalate <acceptance-id>",
		Short: "Escalate an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := newClock(e).Escalate(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "escalation reason")
	return cmd
}

func acceptanceSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance due acceptance sessions",
		Long:  "Moves open windows to warning or final_warning as the deadline nears and closes expired ones (auto-pass or escalate per config).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := newClock(e).Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func acceptanceExpiringCmd() *cobra.Command {
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "List acceptance sessions nearing expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := newClock(e).ExpiringSoon(ctx, within)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().DurationVar(&within, "within", 24*time.Hour, "expiry horizon")
	return cmd
}

func issuesCmd() *cobra.Command {
	i := &cobra.Command{Use: "issues", Short: "Health issues"}
	i.AddCommand(issuesListCmd())
	i.AddCommand(issuesAttemptsCmd())
	return i
}

func issuesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List health issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIssues(ctx, e.Config.Project.ID, domain.IssueStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Check", "Severity", "Status", "Attempts", "Auto-fixed"})
				for _, is := range items {
					tw.AppendRow(table.Row{is.ID, is.CheckType, is.Severity, is.Status, is.FixAttempts, is.AutoFixed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, resolved, escalated)")
	return cmd
}

func issuesAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <issue-id>",
		Short: "List auto-fix attempts for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var productURL string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run health checks and self-heal",
		Long:  "Probes every gate check, opens issues for degraded results, and runs matching healing strategies under their cooldown and attempt budgets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec := newExecutor(e)
				healer := heal.New(e.DB, e.Config.Healing.Strategies, heal.BuiltinActions())
				healer.Now = e.Now
				type row struct {
					Check       string             `json:"check"`
					Status      domain.CheckStatus `json:"status"`
					Observation string             `json:"observation,omitempty"`
					Attempted   bool               `json:"attempted"`
					FixSuccess  bool               `json:"fix_success,omitempty"`
				}
				var rows []row
				for _, c := range e.Config.GateChecks(productURL) {
					result, err := exec.Execute(ctx, c)
					if err != nil {
						result = check.Result{Status: domain.CheckCritical, Observation: err.Error()}
					}
					attempt, err := healer.ReportCheck(ctx, e.Config.Project.ID, c.Name, result)
					if err != nil {
						return err
					}
					r := row{Check: c.Name, Status: result.Status, Observation: result.Observation}
					if attempt != nil {
						r.Attempted = true
						r.FixSuccess = attempt.Success
					}
					rows = append(rows, r)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Status", "Observation", "Fix attempted", "Fix success"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Check, r.Status, r.Observation, r.Attempted, r.FixSuccess})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productURL, "product-url", "", "deployed product URL")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only delivery diary: stage transitions, gate verdicts, healing attempts, acceptance milestones.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logPurgeCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, level, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					ProjectID: e.Config.Project.ID,
					SessionID: sessionID,
					Type:      evtType,
					Level:     level,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Level", "Stage", "Message"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.Level, ev.Stage, ev.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&level, "level", "", "level filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	return cmd
}

func logPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Purge events past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cutoff := e.Now().UTC().AddDate(0, 0, -e.Config.Events.RetentionDays)
				removed, err := e.Events.PurgeBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"removed": removed,
					"cutoff":  cutoff.Format(time.RFC3339),
				})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("SHIPLINE_JWT_SECRET"),
				APIKey:    os.Getenv("SHIPLINE_API_KEY"),
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				BasePath:  basePath,
				Auth:      authCfg,
				Workspace: workspace,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Shipline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newExecutor(e engine.Engine) check.Executor {
	return check.NewProbeExecutor(time.Duration(e.Config.Delivery.ProbeTimeoutSeconds) * time.Second)
}

func newOrchestrator(e engine.Engine) *engine.Orchestrator {
	workspace := viper.GetString("workspace")
	var sender notify.Sender = notify.LogSender{}
	if len(e.Config.Webhooks) > 0 {
		sender = notify.NewWebhookSender(e.Config.Webhooks)
	}
	return engine.NewOrchestrator(e, newExecutor(e), deploy.NewLocal(workspace), sender)
}

func newClock(e engine.Engine) acceptance.Clock {
	c := acceptance.New(e.DB, domain.AcceptanceConfig{
		TimeoutMinutes:      e.Config.Acceptance.TimeoutMinutes,
		WarningMinutes:      e.Config.Acceptance.WarningMinutes,
		FinalWarningMinutes: e.Config.Acceptance.FinalWarningMinutes,
		AutoPassOnExpiry:    e.Config.Acceptance.AutoPassOnExpiry,
	})
	c.Now = e.Now
	return c
}

func toStages(names []string) []domain.Stage {
	out := make([]domain.Stage, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Stage(strings.TrimSpace(n)))
	}
	return out
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func parseItemStatuses(pairs []string) (map[string]domain.ItemStatus, error) {
	kv, err := parseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return nil, nil
	}
	out := make(map[string]domain.ItemStatus, len(kv))
	for k, v := range kv {
		switch s := domain.ItemStatus(v); s {
		case domain.ItemPending, domain.ItemPassed, domain.ItemWarning, domain.ItemFailed:
			out[k] = s
		default:
			return nil, fmt.Errorf("invalid item status %q for %s", v, k)
		}
	}
	return out, nil
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
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
