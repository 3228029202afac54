package engine

import (
	"context"
	"time"

	"github.com/billmirror/billmirror/internal/source"
)

// eventRetention is how far back the platform keeps change events. The
// catch-up window is clamped to it regardless of how stale the stored cursor
// is; anything older than the retention limit is unrecoverable from the feed
// and only a full sweep of the primary types can close that gap.
const eventRetention = 30 * 24 * time.Hour

// catchupStrategy sweeps the recent-events feed to backstop missed webhooks.
// It is registered for the synthetic "events" object type and runs last in
// the fan-out order.
type catchupStrategy struct {
	engine *Engine
}

func (s *catchupStrategy) Page(ctx context.Context, req pageRequest) (pageOutcome, error) {
	filter := s.clampWindow(req.Filter)

	page, err := s.engine.source.ListPage(ctx, TypeEvents, filter, req.Position)
	if err != nil {
		return pageOutcome{}, &Error{Err: err, Message: err.Error(), Reason: ReasonFetchFailed}
	}
	if page.HasMore && len(page.Items) == 0 {
		return pageOutcome{}, &Error{
			Err:     ErrUpstreamProtocol,
			Message: ErrUpstreamProtocol.Error(),
			Reason:  ReasonProtocolViolation,
		}
	}

	outcome := pageOutcome{HasMore: page.HasMore}
	events := make([]Event, 0, len(page.Items))
	for _, item := range page.Items {
		ev, err := ParseEvent(item.Payload)
		if err != nil {
			return pageOutcome{}, &Error{Err: err, Message: err.Error(), Reason: ReasonFetchFailed}
		}
		events = append(events, ev)
		outcome.MaxCreated = maxTime(outcome.MaxCreated, item.Created)
		outcome.NextPosition = item.Key
	}

	for _, ev := range dedupeLatest(events) {
		if _, err := s.engine.ApplyEvent(ctx, ev); err != nil {
			return pageOutcome{}, &Error{Err: err, Message: err.Error(), Reason: ReasonStorageFailed}
		}
		outcome.Processed++
	}
	return outcome, nil
}

// clampWindow bounds the incremental filter to the feed's retention limit.
func (s *catchupStrategy) clampWindow(filter source.Filter) source.Filter {
	oldest := s.engine.now().Add(-eventRetention)
	if filter.CreatedSince.IsZero() || filter.CreatedSince.Before(oldest) {
		filter.CreatedSince = oldest
	}
	return filter
}

// dedupeLatest keeps only the newest event per referenced entity within a
// page, preserving the page's relative order of the survivors. Multiple
// events for one entity collapse to a single reconciliation.
func dedupeLatest(events []Event) []Event {
	latest := make(map[string]Event, len(events))
	for _, ev := range events {
		key := ev.ObjectType + "/" + ev.ObjectKey
		if prev, ok := latest[key]; ok && prev.Created.After(ev.Created) {
			continue
		}
		latest[key] = ev
	}

	out := make([]Event, 0, len(latest))
	for _, ev := range events {
		if latest[ev.ObjectType+"/"+ev.ObjectKey].ID == ev.ID {
			out = append(out, ev)
		}
	}
	return out
}
