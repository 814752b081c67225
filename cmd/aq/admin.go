package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"approvalq/internal/app"
	"approvalq/internal/config"
	"approvalq/internal/engine"
	"approvalq/internal/logging"
	"approvalq/internal/server"
)

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Inspect users"}
	usr.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(users))
				for i := range users {
					users[i].PasswordHash = ""
					u := users[i]
					rows = append(rows, table.Row{u.ID, u.Email, u.Name, u.RoleID, u.AccessLevel, u.Branch})
				}
				return printTable(users, table.Row{"ID", "Email", "Name", "Role", "Access", "Branch"}, rows)
			})
		},
	})
	return usr
}

func roleCmd() *cobra.Command {
	rl := &cobra.Command{Use: "role", Short: "Inspect roles"}
	rl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(roles))
				for _, r := range roles {
					modules := make([]string, 0, len(r.Permissions))
					for m, actions := range r.Permissions {
						modules = append(modules, m+": "+strings.Join(actions, ","))
					}
					sort.Strings(modules)
					rows = append(rows, table.Row{r.ID, r.Name, r.Module, strings.Join(modules, "; ")})
				}
				return printTable(roles, table.Row{"ID", "Name", "Module", "Permissions"}, rows)
			})
		},
	})
	return rl
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, k, err := e.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "user_id": k.UserID, "name": k.Name, "key": plain})
				}
				fmt.Printf("created %s for %s\n%s\n", k.ID, k.UserID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("user")
	key.AddCommand(create)
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyRevokeCmd())
	return key
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				return printTable(keys, table.Row{"ID", "User", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only keys of this user")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], "", actorID()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"revoked": args[0]})
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage approvalq.yml",
		Long:  "approvalq.yml sets activity retention, the maximum chain length, seed roles, users and definitions, the welcome email relay and webhooks. Seeds apply only to an empty database.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default approvalq.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Config)
				}
				out, err := a.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate approvalq.yml",
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
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("APPROVALQ_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("APPROVALQ_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				log := logging.Component("server")
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Logger:   &log,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						TokenTTL:               a.Config.TokenTTL(),
						AllowLegacyActorHeader: legacyHeaders,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				hooks := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, logging.Component("webhooks"))

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving approvalq API (OpenAPI at openapi.json, Swagger UI at /docs)")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return hooks.Run(gctx)
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-actor-header", false, "accept X-Actor-Id/X-Role-Id without credentials (development only)")
	return cmd
}
