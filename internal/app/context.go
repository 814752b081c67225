package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"approvalq/internal/config"
	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/engine"
	"approvalq/internal/migrate"
	"approvalq/internal/repo"
)

// App bundles the database, configuration and engine for one workspace.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open migrates the workspace database, loads approvalq.yml (or the built-in
// default) and seeds an empty database from it.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := Seed(ctx, repo.Repo{DB: conn}, cfg, time.Now()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}, nil
}

// Close drains pending notifications and closes the database.
func (a *App) Close() error {
	a.Engine.Close()
	return a.DB.Close()
}

// Seed inserts the configured roles, users and workflow definitions into
// whichever of those tables are still empty. Seeding is not an audited action.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) error {
	ts := domain.Timestamp(now)
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		roles, err := r.ListRoles(ctx)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			for _, rc := range cfg.Roles {
				role := domain.Role{ID: rc.ID, Name: rc.Name, Module: rc.Module, Permissions: rc.Permissions, CreatedAt: ts, UpdatedAt: ts}
				if err := r.CreateRole(ctx, tx, role); err != nil {
					return fmt.Errorf("role %s: %w", rc.ID, err)
				}
			}
		}
		users, err := r.CountUsers(ctx)
		if err != nil {
			return err
		}
		if users == 0 {
			for _, uc := range cfg.Users {
				hash, err := bcrypt.GenerateFromPassword([]byte(uc.Password), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				id := uc.ID
				if id == "" {
					id = "usr_" + uuid.NewString()
				}
				u := domain.User{
					ID: id, Email: uc.Email, Name: uc.Name, RoleID: uc.RoleID,
					AccessLevel: uc.AccessLevel, Branch: uc.Branch, PasswordHash: string(hash),
					CreatedAt: ts, UpdatedAt: ts,
				}
				if err := r.CreateUser(ctx, tx, u); err != nil {
					return fmt.Errorf("user %s: %w", uc.Email, err)
				}
			}
		}
		defs, err := r.ListDefinitions(ctx, tx)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			for _, wc := range cfg.Workflows.Definitions {
				def := domain.WorkflowDefinition{RequestType: wc.RequestType, Levels: wc.Levels, CreatedAt: ts, UpdatedAt: ts}
				if err := r.UpsertDefinition(ctx, tx, def); err != nil {
					return fmt.Errorf("definition %s: %w", wc.RequestType, err)
				}
			}
		}
		return nil
	})
}
