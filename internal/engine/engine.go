package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"approvalq/internal/activity"
	"approvalq/internal/config"
	"approvalq/internal/domain"
	"approvalq/internal/live"
	"approvalq/internal/logging"
	"approvalq/internal/notify"
	"approvalq/internal/repo"
)

// Engine drives request lifecycles. It is a value type; the pointers it holds
// (hub, notifier) are shared between copies.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Activity  activity.Log
	Hub       *live.Hub
	Notify    *notify.Dispatcher
	Mutations MutationStore
	Config    *config.Config
	Log       zerolog.Logger
	Now       func() time.Time
	// Passwords generates the initial secret for created users without one.
	Passwords func() (string, error)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	hub := live.NewHub()
	log := logging.Component("engine")
	act := activity.Log{Repo: r, Retention: cfg.Retention(), Hub: hub}
	return Engine{
		DB:        db,
		Repo:      r,
		Activity:  act,
		Hub:       hub,
		Mutations: r,
		Config:    cfg,
		Log:       log,
		Now:       time.Now,
		Passwords: GeneratePassword,
		Notify: &notify.Dispatcher{
			Notifier: notify.FromConfig(cfg.Notifications.Email, log),
			Recorder: act,
			Log:      log,
		},
	}
}

// Close waits for background notifications.
func (e Engine) Close() {
	e.Notify.Close()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return domain.Timestamp(e.now())
}

// activity returns the log bound to the engine clock.
func (e Engine) activity() activity.Log {
	l := e.Activity
	l.Now = e.now
	if l.Hub == nil {
		l.Hub = e.Hub
	}
	return l
}

func (e Engine) executor() Executor {
	return Executor{
		Store:     e.Mutations,
		Activity:  e.activity(),
		Passwords: e.Passwords,
		Now:       e.now,
	}
}

func (e Engine) publishRequest(ctx context.Context, req domain.Request) {
	if e.Hub == nil {
		return
	}
	r := req
	e.Hub.Publish(ctx, live.Event{Kind: live.KindRequest, Request: &r})
}

func (e Engine) maxLevels() int {
	return e.Config.MaxLevels()
}
