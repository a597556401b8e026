package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"innoflow/internal/app"
	"innoflow/internal/config"
	"innoflow/internal/db"
	"innoflow/internal/domain"
	"innoflow/internal/events"
	"innoflow/internal/migrate"
	"innoflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "innoflow",
	Short: "Innoflow CLI",
	Long: `Innoflow runs the lifecycle of innovation entities.
- Entities: challenges, programs, R&D projects, pilots, scaling plans and policy recommendations. Each is created as a draft.
- Approval chains: ordered role steps per kind; one decision per step, a rejection ends the chain.
- Milestones: approval-gated milestones need evidence before they complete.
- TRL: technology readiness 1..9; pilots need 6 and solutions are advised at 7.
- Conversions: create a linked entity from another (to_pilot, to_solution, to_policy, to_scaling_plan).
- Scaling: budget gate, phased unit rollout and the national integration gate at 80% progress.
- Event log: every write is audited, view it with 'innoflow log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("INNOFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	rootCmd.PersistentFlags().String("role", "", "acting role (defaults to the stored assignment)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-name", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(trlCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(scalingCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create innoflow.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s (%d migration(s) applied)\n", db.Path(workspace), len(applied))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing innoflow.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect innoflow.yml",
		Long:  "Config selects the store, overrides approval chains, sets gate thresholds and gate roles, and configures notification sinks.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate innoflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Manage stored actor roles",
		Long:  "Stored roles are used when a caller does not assert a role. Available with the sqlite store only.",
	}
	role.AddCommand(&cobra.Command{
		Use:   "assign <actor-id> <role>",
		Short: "Assign a role to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				svc, err := a.RoleService()
				if err != nil {
					return err
				}
				return svc.AssignRole(ctx, args[0], r, viper.GetString("actor-id"))
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id>",
		Short: "Remove an actor's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				svc, err := a.RoleService()
				if err != nil {
					return err
				}
				return svc.RevokeRole(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show an actor's stored role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				svc, err := a.RoleService()
				if err != nil {
					return err
				}
				r, err := svc.ActorRole(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"actor_id": args[0], "role": r})
				}
				fmt.Printf("%s: %s\n", args[0], r)
				return nil
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List role assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				svc, err := a.RoleService()
				if err != nil {
					return err
				}
				items, err := svc.ListAssignments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Actor", "Role", "Assigned"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ActorID, it.Role, it.AssignedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return role
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind domain.Kind
			if entityKind != "" {
				k, err := domain.ParseKind(entityKind)
				if err != nil {
					return err
				}
				kind = k
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Audit.ListEvents(ctx, kind, entityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printEvents(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowHeader {
				return fmt.Errorf("INNOFLOW_JWT_SECRET is required unless --allow-actor-header is set")
			}
			if devLogin && secret == "" {
				return fmt.Errorf("--dev-login requires INNOFLOW_JWT_SECRET")
			}
			logger := newLogger()
			a, err := app.Open(cmd.Context(), app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Audit:    a.Audit,
				Metrics:  a.Metrics,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: allowHeader,
					DevLogin:               devLogin,
					Logger:                 logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving innoflow API", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving innoflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowHeader, "allow-actor-header", false, "accept X-Actor-Id/X-Actor-Role without a token")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	_ = viper.BindEnv("jwt-secret")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printEvents(items []events.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
	for _, e := range items {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.ActorID})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
