// Package activity records the bounded audit trail of everything the engine does.
package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/live"
	"approvalq/internal/repo"
)

const (
	SubmitRequest    = "SUBMIT_REQUEST"
	ApproveRequest   = "APPROVE_REQUEST"
	CompleteRequest  = "COMPLETE_REQUEST"
	DeclineRequest   = "DECLINE_REQUEST"
	CreateUser       = "CREATE_USER"
	UpdateUser       = "UPDATE_USER"
	CreateRole       = "CREATE_ROLE"
	UpdateRole       = "UPDATE_ROLE"
	StockApproved    = "STOCK_APPROVED"
	RequestFulfilled = "REQUEST_FULFILLED"
	CreateAuthList   = "CREATE_AUTH_LIST"
	UpdateAuthList   = "UPDATE_AUTH_LIST"
	DeleteAuthList   = "DELETE_AUTH_LIST"
	Login            = "LOGIN"
	Logout           = "LOGOUT"
	NotifyUser       = "NOTIFY_USER"
	NotifyUserFailed = "NOTIFY_USER_FAILED"
	CreateAPIKey     = "CREATE_API_KEY"
	RevokeAPIKey     = "REVOKE_API_KEY"
)

const DefaultRetention = 200

type Log struct {
	Repo      repo.Repo
	Retention int
	Hub       *live.Hub
	Now       func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Log) retention() int {
	if l.Retention > 0 {
		return l.Retention
	}
	return DefaultRetention
}

// Append writes an entry inside tx. The caller publishes the returned entry
// once tx commits.
func (l Log) Append(ctx context.Context, tx *sql.Tx, action, actorID, target, details string) (domain.ActivityEntry, error) {
	if action == "" {
		return domain.ActivityEntry{}, fmt.Errorf("activity action required")
	}
	e := domain.ActivityEntry{
		Action:  action,
		ActorID: actorID,
		Target:  target,
		Details: details,
		TS:      domain.Timestamp(l.now()),
	}
	id, err := l.Repo.AppendActivity(ctx, tx, e, l.retention())
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	e.ID = id
	return e, nil
}

// Record appends a standalone entry in its own transaction and publishes it.
func (l Log) Record(ctx context.Context, action, actorID, target, details string) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	err := db.WithTx(ctx, l.Repo.DB, func(tx *sql.Tx) error {
		var err error
		e, err = l.Append(ctx, tx, action, actorID, target, details)
		return err
	})
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	l.Publish(ctx, e)
	return e, nil
}

func (l Log) Publish(ctx context.Context, entries ...domain.ActivityEntry) {
	if l.Hub == nil {
		return
	}
	for i := range entries {
		e := entries[i]
		l.Hub.Publish(ctx, live.Event{Kind: live.KindActivity, Activity: &e})
	}
}

// Latest returns up to limit entries, newest first.
func (l Log) Latest(ctx context.Context, f repo.ActivityFilters) ([]domain.ActivityEntry, error) {
	if f.Limit <= 0 || f.Limit > l.retention() {
		f.Limit = l.retention()
	}
	return l.Repo.LatestActivity(ctx, f)
}
