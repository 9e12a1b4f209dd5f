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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay/internal/app"
	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/repo"
	"relay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay CLI",
	Long: `Relay drives issues through a fixed delivery pipeline: triage -> spec_ready
-> in_progress -> in_review -> approved -> merged -> deployed -> verified.
Each 'run next-step' call resolves the issue's current state to at most one
step, executes it under an advisory lock, and records the outcome. Gated
steps (review approval, merge readiness) consult live GitHub evidence and
fail closed when the evidence is missing, stale, or unfetchable.`,
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
	viper.SetEnvPrefix("RELAY")
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
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues are the units of delivery. Create one, link it to a GitHub issue and later a pull request, then advance it with 'relay run next-step'.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueLinkCmd())
	issue.AddCommand(issuePRCmd())
	issue.AddCommand(issueHoldCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var id, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue in triage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Engine.CreateIssue(ctx, id, title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "issue id (generated if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issues, err := a.Engine.Repo.ListIssues(ctx, repo.IssueFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "GitHub", "PR", "Updated"})
				for _, i := range issues {
					gh := ""
					if i.HasGitHubLink() {
						gh = fmt.Sprintf("%s#%d", i.GitHubRepo, *i.GitHubIssue)
					}
					pr := ""
					if i.PRNumber != nil {
						pr = fmt.Sprintf("#%d", *i.PRNumber)
					}
					tw.AppendRow(table.Row{i.ID, i.Title, i.Status, gh, pr, i.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 = no limit)")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue with its draft and recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Engine.Repo.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				draft, err := a.Engine.Repo.DraftForIssue(ctx, i)
				if err != nil {
					return err
				}
				runs, err := a.Engine.Repo.ListRuns(ctx, id, 5)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"issue":       i,
					"draft":       draft,
					"recent_runs": runs,
				})
			})
		},
	}
	return cmd
}

func issueLinkCmd() *cobra.Command {
	var repoName string
	var number int
	cmd := &cobra.Command{
		Use:   "link <id>",
		Short: "Link an issue to a GitHub issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoName == "" {
				return fmt.Errorf("--repo required")
			}
			if number <= 0 {
				return fmt.Errorf("--number must be positive")
			}
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Engine.LinkGitHub(ctx, id, repoName, number, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&repoName, "repo", "", "repository (owner/name)")
	cmd.Flags().IntVar(&number, "number", 0, "GitHub issue number")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func issuePRCmd() *cobra.Command {
	var number int
	cmd := &cobra.Command{
		Use:   "pr <id>",
		Short: "Link an issue to a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if number <= 0 {
				return fmt.Errorf("--number must be positive")
			}
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Engine.LinkPR(ctx, id, number, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().IntVar(&number, "number", 0, "pull request number")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func issueHoldCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <id>",
		Short: "Move an issue to held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Engine.HoldIssue(ctx, id, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the issue is being held")
	return cmd
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{
		Use:   "draft",
		Short: "Manage spec drafts",
		Long:  "A draft carries the validation verdict and content hash of an issue's spec. Committing a valid draft is what lets triage advance to spec_ready.",
	}
	draft.AddCommand(draftPutCmd())
	draft.AddCommand(draftCommitCmd())
	return draft
}

func draftPutCmd() *cobra.Command {
	var validation, contentHash string
	cmd := &cobra.Command{
		Use:   "put <issue-id>",
		Short: "Create or replace an issue's draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.PutDraft(ctx, issueID, validation, contentHash, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&validation, "validation", domain.DraftValid, "validation verdict")
	cmd.Flags().StringVar(&contentHash, "content-hash", "", "hash of the draft content")
	return cmd
}

func draftCommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <issue-id>",
		Short: "Commit an issue's draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CommitDraft(ctx, issueID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Execute and inspect runs",
		Long:  "Runs record each attempt to advance an issue. 'next-step' resolves the issue's state to a step and executes it; repeats within the replay window return the recorded outcome instead of advancing again.",
	}
	run.AddCommand(runNextStepCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	return run
}

func runNextStepCmd() *cobra.Command {
	var dryRun bool
	var requestID string
	cmd := &cobra.Command{
		Use:   "next-step <issue-id>",
		Short: "Advance an issue by one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := args[0]
			mode := domain.ModeExecute
			if dryRun {
				mode = domain.ModeDryRun
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp, err := a.Engine.RunNextStep(ctx, engine.RunRequest{
					IssueID:   issueID,
					Mode:      mode,
					ActorID:   viper.GetString("actor-id"),
					RequestID: requestID,
				})
				var conflict *engine.LockConflictError
				if errors.As(err, &conflict) {
					return fmt.Errorf("issue is locked by %s until %s", conflict.Holder, conflict.Expiry)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Printf("%s: %s", resp.IssueID, resp.LoopStatus)
				if resp.Step != "" {
					fmt.Printf(" (%s)", resp.Step)
				}
				fmt.Println()
				if resp.StateBefore != "" && resp.StateAfter != "" && resp.StateBefore != resp.StateAfter {
					fmt.Printf("  %s -> %s\n", resp.StateBefore, resp.StateAfter)
				}
				if resp.Blocked {
					fmt.Printf("  blocked: %s", resp.BlockerCode)
					if resp.Message != "" {
						fmt.Printf(" (%s)", resp.Message)
					}
					fmt.Println()
				} else if resp.Message != "" {
					fmt.Printf("  %s\n", resp.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and report without mutating")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency request id (generated if omitted)")
	return cmd
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <issue-id>",
		Short: "List runs for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.Repo.ListRuns(ctx, issueID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step", "Mode", "Status", "Duration", "Started"})
				for _, r := range runs {
					duration := ""
					if r.DurationMS != nil {
						duration = fmt.Sprintf("%dms", *r.DurationMS)
					}
					started := ""
					if r.StartedAt != nil {
						started = *r.StartedAt
					}
					tw.AppendRow(table.Row{r.ID, r.Step, r.Mode, r.Status, duration, started})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Repo.GetRun(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every resolution, transition, block and no-op lands in the event log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, issueID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, issueID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in relay.yml at the workspace root: lock and replay TTLs, evidence freshness bounds, forge endpoint, webhooks. Missing file means defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default relay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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
	return cmd
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired locks and idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				locks, records, err := a.Engine.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"locks_removed": locks, "records_removed": records})
				}
				fmt.Printf("removed %d expired locks, %d expired idempotency records\n", locks, records)
				return nil
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name, actor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key bound to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := uuid.NewString()
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				rows := make([]map[string]string, 0, len(keys))
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
					rows = append(rows, map[string]string{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "created_at": k.CreatedAt})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, id); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", id)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("RELAY_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("RELAY_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Relay API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token (dev only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
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
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
