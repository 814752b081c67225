package engine

import (
	"context"
	"errors"
	"sync"

	"approvalq/internal/activity"
	"approvalq/internal/domain"
	"approvalq/internal/engine/auth"
	"approvalq/internal/live"
)

// CanAct reports whether roleID is the approver gating the request's current level.
func CanAct(def domain.WorkflowDefinition, roleID string, req domain.Request) bool {
	if roleID == "" || req.Status != domain.StatusPending || def.RequestType != req.Type {
		return false
	}
	role, ok := def.GateFor(req.CurrentLevel)
	return ok && role == roleID
}

// CanAct resolves the request's definition and applies the role-matching rule.
// A missing definition means nobody can act.
func (e Engine) CanAct(ctx context.Context, roleID string, req domain.Request) (bool, error) {
	def, err := e.GetDefinition(ctx, req.Type)
	if err != nil {
		var unknown UnknownWorkflowTypeError
		if errors.As(err, &unknown) {
			return false, nil
		}
		return false, err
	}
	return CanAct(def, roleID, req), nil
}

// PendingFor returns every pending request whose current level is gated by roleID,
// oldest first. Requests whose definition has been removed are skipped.
func (e Engine) PendingFor(ctx context.Context, roleID string) ([]domain.Request, error) {
	reqs, err := e.Repo.ListPending(ctx, nil)
	if err != nil {
		return nil, err
	}
	defs, err := e.Repo.DefinitionsByType(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Request, 0, len(reqs))
	for _, req := range reqs {
		def, ok := defs[req.Type]
		if !ok {
			e.Log.Warn().Str("request", req.ID).Str("type", req.Type).Msg("pending request has no workflow definition")
			continue
		}
		if CanAct(def, roleID, req) {
			out = append(out, req)
		}
	}
	return out, nil
}

// SubscribePending calls fn with the current snapshot for roleID and again
// after every committed change that may affect it. The returned func
// unsubscribes. Snapshots are delivered in order, one at a time.
func (e Engine) SubscribePending(ctx context.Context, roleID string, fn func([]domain.Request, error)) (func(), error) {
	var mu sync.Mutex
	push := func() {
		mu.Lock()
		defer mu.Unlock()
		fn(e.PendingFor(ctx, roleID))
	}
	id, err := e.Hub.Subscribe(live.Filter{Kinds: []live.Kind{live.KindRequest, live.KindActivity}}, func(ev live.Event) {
		if ev.Kind == live.KindActivity && !definitionChange(ev.Activity) {
			return
		}
		push()
	})
	if err != nil {
		return nil, err
	}
	push()
	return func() { _ = e.Hub.Unsubscribe(id) }, nil
}

func definitionChange(entry *domain.ActivityEntry) bool {
	if entry == nil {
		return false
	}
	switch entry.Action {
	case activity.CreateAuthList, activity.UpdateAuthList, activity.DeleteAuthList:
		return true
	}
	return false
}

// Authorize is the caller-side gate run before Approve or Decline. It returns
// the request so the caller can pin ExpectedLevel to what it authorized.
func (e Engine) Authorize(ctx context.Context, roleID, requestID string) (domain.Request, error) {
	req, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return req, err
	}
	if req.Status != domain.StatusPending {
		return req, RequestNotPendingError{ID: req.ID, Status: string(req.Status)}
	}
	def, err := e.GetDefinition(ctx, req.Type)
	if err != nil {
		var unknown UnknownWorkflowTypeError
		if errors.As(err, &unknown) {
			return req, WorkflowDefinitionMissingError{RequestType: req.Type}
		}
		return req, err
	}
	return req, auth.CheckApprover(def, roleID, req)
}
