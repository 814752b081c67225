package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"approvalq/internal/activity"
	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/repo"
)

// SaveDefinition creates or replaces the approval chain for a request type.
// Pending requests pick up the new chain at their next step.
func (e Engine) SaveDefinition(ctx context.Context, requestType string, levels []string, actorID string) (domain.WorkflowDefinition, error) {
	def := domain.WorkflowDefinition{RequestType: strings.TrimSpace(requestType)}
	for _, l := range levels {
		def.Levels = append(def.Levels, strings.TrimSpace(l))
	}
	if err := def.Validate(e.maxLevels()); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	var entries []domain.ActivityEntry
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		entries = entries[:0]
		action := activity.UpdateAuthList
		existing, err := e.Repo.GetDefinition(ctx, tx, def.RequestType)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			action = activity.CreateAuthList
			def.CreatedAt = e.timestamp()
		case err != nil:
			return err
		default:
			def.CreatedAt = existing.CreatedAt
		}
		def.UpdatedAt = e.timestamp()
		if err := e.Repo.UpsertDefinition(ctx, tx, def); err != nil {
			return err
		}
		entry, err := e.activity().Append(ctx, tx, action, actorID, def.RequestType,
			"Approval chain: "+strings.Join(def.Levels, " -> "))
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	e.activity().Publish(ctx, entries...)
	return def, nil
}

// DeleteDefinition removes a request type. It is refused while requests of
// that type are still pending.
func (e Engine) DeleteDefinition(ctx context.Context, requestType, actorID string) error {
	var entries []domain.ActivityEntry
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		entries = entries[:0]
		if err := e.Repo.DeleteDefinition(ctx, tx, requestType); err != nil {
			switch {
			case errors.Is(err, repo.ErrNotFound):
				return UnknownWorkflowTypeError{RequestType: requestType}
			case errors.Is(err, repo.ErrDefinitionInUse):
				return DefinitionInUseError{RequestType: requestType}
			}
			return err
		}
		entry, err := e.activity().Append(ctx, tx, activity.DeleteAuthList, actorID, requestType, "Deleted approval chain")
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return err
	}
	e.activity().Publish(ctx, entries...)
	return nil
}

func (e Engine) GetDefinition(ctx context.Context, requestType string) (domain.WorkflowDefinition, error) {
	def, err := e.Repo.GetDefinition(ctx, nil, requestType)
	if errors.Is(err, repo.ErrNotFound) {
		return def, UnknownWorkflowTypeError{RequestType: requestType}
	}
	return def, err
}

func (e Engine) ListDefinitions(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	return e.Repo.ListDefinitions(ctx, nil)
}
