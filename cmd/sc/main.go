package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"smolclaw/internal/app"
	"smolclaw/internal/config"
	"smolclaw/internal/db"
	"smolclaw/internal/domain"
	"smolclaw/internal/migrate"
	"smolclaw/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "sc",
	Short: "Smolclaw agent CLI",
	Long: `Smolclaw is an always-on agent that watches events, decides whether to
act within strict usage ceilings, and routes actions through an approval queue.
The workspace holds smolclaw.yml plus a .smolclaw/ directory with the database.`,
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
	viper.SetEnvPrefix("SMOLCLAW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(thinkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(alarmsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
}

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("smolclaw")
	}
	return cfg, nil
}

// withApp wires the full agent for one command invocation.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withStore opens only the database, for commands that need no loop wiring.
func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.Store{DB: conn})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}

	var name string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default smolclaw.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&name, "name", "smolclaw", "agent name")
	cfg.AddCommand(initCmd)

	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent loop and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				fmt.Printf("Serving smolclaw on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n",
					a.Config.Server.Addr, a.Config.Server.BasePath)
				return a.Run(ctx)
			})
		},
	}
}

func thinkCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "think",
		Short: "Run one decision cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				payload := strings.TrimSpace(prompt)
				if payload == "" {
					payload = "operator nudge"
				}
				a.Engine.Cycle(ctx, domain.Event{
					Kind:       domain.EventTimer,
					Payload:    payload,
					ReceivedAt: time.Now().UTC(),
				})
				decisions, err := a.Store.RecentDecisions(ctx, 1)
				if err != nil {
					return err
				}
				if len(decisions) == 0 {
					fmt.Println("no decision recorded")
					return nil
				}
				return printJSONOrTable(decisions[0])
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "event payload for the cycle")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show usage, mood, and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				usage := a.Usage.Status(ctx)
				mood := a.Memory.Snapshot(ctx, a.Usage.DayUsageFraction(ctx))
				pending, err := a.Store.CountPendingApprovals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"usage":             usage,
						"hormones":          mood,
						"pending_approvals": pending,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Window", "Used", "Ceiling"})
				tw.AppendRow(table.Row{"minute", usage.MinuteUsed, usage.MinuteCeiling})
				tw.AppendRow(table.Row{"hour", usage.HourUsed, usage.HourCeiling})
				tw.AppendRow(table.Row{"day", usage.DayUsed, usage.DayCeiling})
				tw.Render()
				fmt.Printf("paused: %v\n", usage.Paused)
				fmt.Printf("mood: %s (dopamine %.2f, cortisol %.2f, energy %.2f)\n",
					mood.Label, mood.Dopamine, mood.Cortisol, mood.Energy)
				fmt.Printf("pending approvals: %d\n", pending)
				return nil
			})
		},
	}
}

func approvalsCmd() *cobra.Command {
	approvals := &cobra.Command{Use: "approvals", Short: "Manage the approval queue"}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List approval items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				items, err := st.ListApprovals(ctx, domain.ApprovalStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Status", "Created", "Body"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.ActionType, item.Status,
						item.CreatedAt.Format(time.RFC3339), firstLine(item.Body)})
				}
				tw.Render()
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "pending", "filter by status (empty for all)")
	approvals.AddCommand(listCmd)

	approvals.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and dispatch a queued action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Router.Approve(ctx, args[0])
				if err != nil {
					if item.ID != "" {
						fmt.Printf("dispatch failed, item marked %s: %v\n", item.Status, err)
						return nil
					}
					return err
				}
				return printJSONOrTable(item)
			})
		},
	})

	approvals.AddCommand(&cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a queued action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Router.Reject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	})
	return approvals
}

func decisionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				items, err := st.RecentDecisions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Action", "Message"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.CreatedAt.Format(time.RFC3339), d.Action, firstLine(d.Message)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of decisions")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	var entryType string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Tail the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Audit.Latest(ctx, limit, entryType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Type", "Entity", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.CreatedAt.Format(time.RFC3339), e.Type, e.EntityID, firstLine(e.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	cmd.Flags().StringVar(&entryType, "type", "", "filter by entry type")
	return cmd
}

func alarmsCmd() *cobra.Command {
	alarms := &cobra.Command{Use: "alarms", Short: "Manage alarms"}
	alarms.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending alarms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				items, err := st.ListAlarms(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Fires", "Message"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.FireAt.Format(time.RFC3339), firstLine(a.Message)})
				}
				tw.Render()
				return nil
			})
		},
	})
	alarms.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending alarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				if err := st.CancelAlarm(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("canceled", args[0])
				return nil
			})
		},
	})
	return alarms
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}

	var actorID, name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				raw := "sk-" + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   store.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				}
				if err := st.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, raw)
				fmt.Println("store the key now; only its hash is kept")
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	createCmd.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(createCmd)

	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				items, err := st.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				if err := st.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return keys
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause reasoning calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Usage.Pause(ctx, true); err != nil {
					return err
				}
				fmt.Println("paused")
				return nil
			})
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume reasoning calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Usage.Pause(ctx, false); err != nil {
					return err
				}
				fmt.Println("resumed")
				return nil
			})
		},
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
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
