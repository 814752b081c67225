package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/rs/zerolog"

	"approvalq/internal/domain"
	"approvalq/internal/engine"
	"approvalq/internal/live"
)

const activityStreamBuffer = 64

type pendingSnapshot struct {
	items []domain.Request
	err   error
}

func registerStreams(api huma.API, e engine.Engine, log zerolog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-pending",
		Method:      http.MethodGet,
		Path:        "/pending/stream",
		Summary:     "Stream the pending queue of a role",
		Description: "Sends the current snapshot, then a fresh one after every change that may affect it.",
	}, map[string]any{
		"pending": PendingSnapshot{},
		"error":   apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" doc:"Defaults to the caller's role"`
	}, send sse.Sender) {
		role, serr := roleParam(ctx, input.Role)
		if serr != nil {
			_ = send.Data(apiErrorBody{Code: "bad_request", Message: serr.Error()})
			return
		}
		// Only the newest snapshot matters, so a slow reader never blocks publishers.
		latest := make(chan pendingSnapshot, 1)
		stop, err := e.SubscribePending(ctx, role, func(items []domain.Request, err error) {
			snap := pendingSnapshot{items: items, err: err}
			for {
				select {
				case latest <- snap:
					return
				default:
				}
				select {
				case <-latest:
				default:
				}
			}
		})
		if err != nil {
			_ = send.Data(apiErrorBody{Code: "internal_error", Message: err.Error()})
			return
		}
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-latest:
				if snap.err != nil {
					log.Warn().Err(snap.err).Str("role", role).Msg("pending snapshot failed")
					continue
				}
				if err := send.Data(PendingSnapshot{Role: role, Items: requestResponses(snap.items)}); err != nil {
					return
				}
			}
		}
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-activity",
		Method:      http.MethodGet,
		Path:        "/activity/stream",
		Summary:     "Stream activity entries as they are committed",
	}, map[string]any{
		"activity": ActivityResponse{},
	}, func(ctx context.Context, input *struct {
		Action string `query:"action"`
	}, send sse.Sender) {
		events := make(chan domain.ActivityEntry, activityStreamBuffer)
		id, err := e.Hub.Subscribe(live.Filter{Kinds: []live.Kind{live.KindActivity}}, func(ev live.Event) {
			if ev.Activity == nil || (input.Action != "" && ev.Activity.Action != input.Action) {
				return
			}
			select {
			case events <- *ev.Activity:
			default:
				log.Warn().Int64("activity_id", ev.Activity.ID).Msg("activity stream reader too slow, dropping entry")
			}
		})
		if err != nil {
			return
		}
		defer func() { _ = e.Hub.Unsubscribe(id) }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-events:
				if err := send(sse.Message{ID: int(entry.ID), Data: activityResponse(entry)}); err != nil {
					return
				}
			}
		}
	})
}
