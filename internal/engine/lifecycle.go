package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"approvalq/internal/activity"
	"approvalq/internal/db"
	"approvalq/internal/domain"
	"approvalq/internal/repo"
)

const (
	defaultCustomerName = "System Action"
	defaultBranch       = "System"
)

// Submit wraps payload in a new Pending request at level 1. The payload is
// validated against requestType but not executed.
func (e Engine) Submit(ctx context.Context, requestType string, payload json.RawMessage, actorID string) (domain.Request, error) {
	requestType = strings.TrimSpace(requestType)
	if strings.TrimSpace(actorID) == "" {
		return domain.Request{}, errors.New("actor_id required")
	}
	var (
		req     domain.Request
		entries []domain.ActivityEntry
	)
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		entries = entries[:0]
		if _, err := e.Repo.GetDefinition(ctx, tx, requestType); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return UnknownWorkflowTypeError{RequestType: requestType}
			}
			return err
		}
		p, err := domain.DecodePayload(requestType, payload)
		if err != nil {
			return err
		}
		canonical, err := domain.EncodePayload(p)
		if err != nil {
			return err
		}
		now := e.timestamp()
		req = domain.Request{
			ID:           uuid.NewString(),
			Type:         requestType,
			Payload:      canonical,
			Status:       domain.StatusPending,
			CurrentLevel: 1,
			CustomerName: firstNonBlank(p.DisplayName(), defaultCustomerName),
			Branch:       firstNonBlank(p.BranchName(), defaultBranch),
			SubmittedBy:  actorID,
			History: []domain.HistoryEntry{{
				Level:   0,
				Action:  domain.ActionSubmitted,
				ActorID: actorID,
				TS:      now,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
			return err
		}
		entry, err := e.activity().Append(ctx, tx, activity.SubmitRequest, actorID, requestType, "Submitted new approval request")
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.Log.Debug().Str("request", req.ID).Str("type", req.Type).Str("actor", actorID).Msg("request submitted")
	e.activity().Publish(ctx, entries...)
	e.publishRequest(ctx, req)
	return req, nil
}

// ActionOptions identify an approver action. ExpectedLevel is the level the
// caller authorized against, usually the CurrentLevel returned by Authorize.
// The action fails with StaleLevelError once the request has moved on.
type ActionOptions struct {
	RequestID     string
	ActorID       string
	ExpectedLevel int
}

func (o ActionOptions) validate() error {
	if strings.TrimSpace(o.ActorID) == "" {
		return errors.New("actor_id required")
	}
	if o.ExpectedLevel < 1 {
		return errors.New("expected_level required")
	}
	return nil
}

// ActionResult is the request after an approve or decline.
type ActionResult struct {
	Request   domain.Request
	Completed bool
	Execution *Execution
}

// Approve records the actor's approval at the current level. The final level
// executes the payload and marks the request Approved in the same transaction;
// a failed mutation leaves the request untouched.
func (e Engine) Approve(ctx context.Context, opts ActionOptions) (ActionResult, error) {
	if err := opts.validate(); err != nil {
		return ActionResult{}, err
	}
	var (
		res     ActionResult
		entries []domain.ActivityEntry
	)
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		res, entries = ActionResult{}, entries[:0]
		req, err := e.loadActionable(ctx, tx, opts)
		if err != nil {
			return err
		}
		def, err := e.Repo.GetDefinition(ctx, tx, req.Type)
		if errors.Is(err, repo.ErrNotFound) {
			return WorkflowDefinitionMissingError{RequestType: req.Type}
		}
		if err != nil {
			return err
		}
		now := e.timestamp()
		level := req.CurrentLevel
		if err := e.Repo.AppendHistory(ctx, tx, req.ID, domain.HistoryEntry{
			Level: level, Action: domain.ActionApproved, ActorID: opts.ActorID, TS: now,
		}); err != nil {
			return err
		}
		log := e.activity()

		if level < def.LevelCount() {
			if err := e.Repo.AdvanceRequest(ctx, tx, req.ID, level, level+1, now); err != nil {
				return e.conflict(ctx, tx, req.ID, level, err)
			}
			entry, err := log.Append(ctx, tx, activity.ApproveRequest, opts.ActorID, req.Type,
				fmt.Sprintf("Approved Level %d, moved to Level %d", level, level+1))
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		} else {
			if err := e.Repo.FinalizeRequest(ctx, tx, req.ID, level, domain.StatusApproved, now); err != nil {
				return e.conflict(ctx, tx, req.ID, level, err)
			}
			entry, err := log.Append(ctx, tx, activity.CompleteRequest, opts.ActorID, req.Type, "Final approval granted. Executing action.")
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			ex, err := e.executor().Execute(ctx, tx, req, opts.ActorID)
			if err != nil {
				return MutationExecutionError{ID: req.ID, Type: req.Type, Err: err}
			}
			entries = append(entries, ex.Entries...)
			res.Completed = true
			res.Execution = &ex
		}
		res.Request, err = e.Repo.GetRequest(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		var mErr MutationExecutionError
		if errors.As(err, &mErr) {
			e.Log.Warn().Err(mErr.Err).Str("request", mErr.ID).Msg("payload execution failed; request left pending")
		}
		return ActionResult{}, err
	}
	e.Log.Debug().Str("request", res.Request.ID).Int("level", res.Request.CurrentLevel).
		Str("status", string(res.Request.Status)).Str("actor", opts.ActorID).Msg("request approved")
	e.activity().Publish(ctx, entries...)
	e.publishRequest(ctx, res.Request)
	if res.Execution != nil && res.Execution.Welcome != nil {
		w := res.Execution.Welcome
		e.Notify.Welcome(opts.ActorID, w.Email, w.Secret)
	}
	return res, nil
}

// Decline terminates the request at its current level.
func (e Engine) Decline(ctx context.Context, opts ActionOptions) (ActionResult, error) {
	if err := opts.validate(); err != nil {
		return ActionResult{}, err
	}
	var (
		res     ActionResult
		entries []domain.ActivityEntry
	)
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		res, entries = ActionResult{}, entries[:0]
		req, err := e.loadActionable(ctx, tx, opts)
		if err != nil {
			return err
		}
		now := e.timestamp()
		if err := e.Repo.AppendHistory(ctx, tx, req.ID, domain.HistoryEntry{
			Level: req.CurrentLevel, Action: domain.ActionDeclined, ActorID: opts.ActorID, TS: now,
		}); err != nil {
			return err
		}
		if err := e.Repo.FinalizeRequest(ctx, tx, req.ID, req.CurrentLevel, domain.StatusDeclined, now); err != nil {
			return e.conflict(ctx, tx, req.ID, req.CurrentLevel, err)
		}
		entry, err := e.activity().Append(ctx, tx, activity.DeclineRequest, opts.ActorID, req.Type, "Request declined")
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		res.Completed = true
		res.Request, err = e.Repo.GetRequest(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return ActionResult{}, err
	}
	e.Log.Debug().Str("request", res.Request.ID).Str("actor", opts.ActorID).Msg("request declined")
	e.activity().Publish(ctx, entries...)
	e.publishRequest(ctx, res.Request)
	return res, nil
}

// loadActionable fetches the request and checks it can still be acted on.
func (e Engine) loadActionable(ctx context.Context, tx *sql.Tx, opts ActionOptions) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, tx, opts.RequestID)
	if errors.Is(err, repo.ErrNotFound) {
		return req, RequestNotFoundError{ID: opts.RequestID}
	}
	if err != nil {
		return req, err
	}
	if req.Status != domain.StatusPending {
		return req, RequestNotPendingError{ID: req.ID, Status: string(req.Status)}
	}
	if opts.ExpectedLevel != req.CurrentLevel {
		return req, StaleLevelError{ID: req.ID, Expected: opts.ExpectedLevel, Current: req.CurrentLevel}
	}
	return req, nil
}

// conflict turns a missed compare-and-update into the typed error for the
// request's current state.
func (e Engine) conflict(ctx context.Context, tx *sql.Tx, id string, level int, cause error) error {
	if !errors.Is(cause, repo.ErrConflict) {
		return cause
	}
	req, err := e.Repo.GetRequest(ctx, tx, id)
	if err != nil {
		return err
	}
	if req.Status != domain.StatusPending {
		return RequestNotPendingError{ID: id, Status: string(req.Status)}
	}
	return StaleLevelError{ID: id, Expected: level, Current: req.CurrentLevel}
}

// GetRequest returns a request with its full history.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return req, RequestNotFoundError{ID: id}
	}
	return req, err
}

// ListRequests returns requests newest first.
func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx, f)
}

// History returns finished requests, newest first.
func (e Engine) History(ctx context.Context, limit int) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx, repo.RequestFilters{ExcludePending: true, Limit: limit})
}

// RequestCounts returns the number of requests per status. Every status is
// present, zero when no request has it.
func (e Engine) RequestCounts(ctx context.Context) (map[string]int, error) {
	counts, err := e.Repo.CountRequestsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []domain.RequestStatus{domain.StatusPending, domain.StatusApproved, domain.StatusDeclined} {
		if _, ok := counts[string(s)]; !ok {
			counts[string(s)] = 0
		}
	}
	return counts, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
