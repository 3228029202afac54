// Package source defines the contract for the external billing platform the
// mirror syncs from, and an HTTP implementation of it. The engine only ever
// sees one page at a time; pagination state lives with the caller.
package source

import (
	"context"
	"encoding/json"
	"time"
)

// RawItem is one object as returned by the platform, uninterpreted except for
// the fields the sync engine needs to coordinate on.
type RawItem struct {
	// Key is the platform identifier, the natural key of the mirrored row.
	Key string

	// Created is the platform-side creation timestamp, the watermark the
	// incremental cursor advances on.
	Created time.Time

	// Deleted marks tombstone-style items that remove the local row.
	Deleted bool

	// Payload is the full object body.
	Payload json.RawMessage
}

// Page is one page of items plus a continuation flag.
type Page struct {
	Items   []RawItem
	HasMore bool
}

// Filter bounds which items are eligible for a listing at all.
type Filter struct {
	// CreatedSince is the inclusive lower bound on creation time.
	// Zero means unbounded (first-ever sync).
	CreatedSince time.Time
}

// Source is one paginated view into the billing platform.
//
//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/billmirror/billmirror/internal/source Source
type Source interface {
	// ListPage returns one page of objects of the given type, resuming from
	// pageCursor (empty for the first page).
	ListPage(ctx context.Context, objectType string, filter Filter, pageCursor string) (Page, error)

	// ListChildPage returns one page of child objects scoped to a parent
	// entity, for types that only paginate per parent.
	ListChildPage(ctx context.Context, objectType, parentKey, pageCursor string) (Page, error)

	// FetchOne retrieves the canonical current state of a single object.
	FetchOne(ctx context.Context, objectType, key string) (RawItem, error)
}
