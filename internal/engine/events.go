package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/billmirror/billmirror/internal/source"
)

// Event is one change notification from the platform, either delivered by
// webhook or pulled from the events feed during catch-up.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	// ObjectType is the local object type the event's payload maps to.
	ObjectType string
	// ObjectKey is the natural key of the referenced entity.
	ObjectKey string
	// Object is the embedded snapshot carried by the event. Snapshots are
	// not trusted as canonical state; the applier re-fetches instead.
	Object json.RawMessage
}

// EventAction describes what applying an event did.
type EventAction string

const (
	// ActionDeleted removed the local row (hard-delete event kinds only)
	ActionDeleted EventAction = "deleted"

	// ActionRefetched re-fetched the canonical entity and upserted it
	ActionRefetched EventAction = "refetched"

	// ActionSkipped left the row alone because it is already newer
	ActionSkipped EventAction = "skipped"
)

// hardDeleteEventTypes is the closed allow-list of event kinds that denote a
// true removal. Every other kind, *.deleted-shaped or not, is a state
// transition: the canonical entity still exists and is re-fetched. A canceled
// subscription, for example, remains queryable with its terminal status.
var hardDeleteEventTypes = map[string]struct{}{
	"customer.deleted": {},
	"product.deleted":  {},
	"plan.deleted":     {},
	"price.deleted":    {},
}

// eventObjectTypes is the closed dispatch table from the platform's object
// kind to the local object type, built once at startup. Unknown kinds are
// rejected explicitly rather than silently ignored.
var eventObjectTypes = map[string]string{
	"customer":     TypeCustomers,
	"product":      TypeProducts,
	"plan":         TypePlans,
	"price":        TypePrices,
	"subscription": TypeSubscriptions,
	"invoice":      TypeInvoices,
	"charge":       TypeCharges,
	"dispute":      TypeDisputes,
}

// eventBody is the wire shape of a platform event.
type eventBody struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw event payload and resolves its dispatch target.
func ParseEvent(raw json.RawMessage) (Event, error) {
	var body eventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	if body.ID == "" || body.Type == "" {
		return Event{}, fmt.Errorf("event is missing id or type")
	}

	var obj struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body.Data.Object, &obj); err != nil {
		return Event{}, fmt.Errorf("failed to parse event %s object: %w", body.ID, err)
	}
	if obj.ID == "" {
		return Event{}, fmt.Errorf("event %s references no object", body.ID)
	}

	objectType, ok := eventObjectTypes[obj.Object]
	if !ok {
		return Event{}, fmt.Errorf("event %s: %w: %q", body.ID, ErrUnknownEventType, obj.Object)
	}

	return Event{
		ID:         body.ID,
		Type:       body.Type,
		Created:    time.Unix(body.Created, 0).UTC(),
		ObjectType: objectType,
		ObjectKey:  obj.ID,
		Object:     body.Data.Object,
	}, nil
}

// ApplyEvent reconciles one event against the entity store. Hard-delete
// kinds remove the row; everything else re-fetches the canonical entity and
// upserts it, unless the local row is already at least as new as the event.
func (e *Engine) ApplyEvent(ctx context.Context, ev Event) (EventAction, error) {
	if _, hard := hardDeleteEventTypes[ev.Type]; hard {
		if err := e.store.DeleteEntity(ctx, ev.ObjectType, ev.ObjectKey); err != nil {
			return "", fmt.Errorf("failed to apply %s: %w", ev.Type, err)
		}
		return ActionDeleted, nil
	}

	syncedAt, err := e.store.EntitySyncedAt(ctx, ev.ObjectType, ev.ObjectKey)
	if err != nil {
		return "", err
	}
	if syncedAt != nil && !syncedAt.Before(ev.Created) {
		// Local row is already current or newer than this event.
		return ActionSkipped, nil
	}

	item, err := e.source.FetchOne(ctx, ev.ObjectType, ev.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("failed to re-fetch %s %s: %w", ev.ObjectType, ev.ObjectKey, err)
	}
	if item.Deleted {
		if err := e.store.DeleteEntity(ctx, ev.ObjectType, ev.ObjectKey); err != nil {
			return "", err
		}
		return ActionDeleted, nil
	}

	created := itemCreated(item)
	if err := e.store.UpsertEntity(ctx, ev.ObjectType, item.Key, item.Payload, created); err != nil {
		return "", err
	}
	return ActionRefetched, nil
}

func itemCreated(item source.RawItem) *time.Time {
	if item.Created.IsZero() {
		return nil
	}
	t := item.Created
	return &t
}
