package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/billmirror/billmirror/internal/source"
)

// pageRequest is one unit-of-work request handed to a strategy: fetch and
// apply exactly one page.
type pageRequest struct {
	ObjectType string
	Filter     source.Filter
	// Position is the decoded in-sweep position to resume from; empty on
	// the first page.
	Position string
}

// pageOutcome reports what one page did. The engine owns cursor bookkeeping;
// strategies only report position and the page's created watermark.
type pageOutcome struct {
	Processed    int
	HasMore      bool
	NextPosition string
	MaxCreated   time.Time
}

// strategy advances one object type by exactly one page. Implementations are
// registered per object type at engine construction; the set is closed.
type strategy interface {
	Page(ctx context.Context, req pageRequest) (pageOutcome, error)
}

// listStrategy is the default: one incremental list fetch per page, items
// upserted (or deleted for tombstones) by natural key.
type listStrategy struct {
	engine *Engine
}

func (s *listStrategy) Page(ctx context.Context, req pageRequest) (pageOutcome, error) {
	page, err := s.engine.source.ListPage(ctx, req.ObjectType, req.Filter, req.Position)
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
	for _, item := range page.Items {
		if err := s.engine.applyItem(ctx, req.ObjectType, item); err != nil {
			return pageOutcome{}, &Error{Err: err, Message: err.Error(), Reason: ReasonStorageFailed}
		}
		outcome.Processed++
		outcome.MaxCreated = maxTime(outcome.MaxCreated, item.Created)
		outcome.NextPosition = item.Key
	}
	return outcome, nil
}

// restrictedStrategy covers permission-gated object types the account cannot
// list. The sweep completes immediately with nothing fetched so the run can
// close; the prior incremental cursor is carried forward unchanged.
type restrictedStrategy struct{}

func (*restrictedStrategy) Page(_ context.Context, _ pageRequest) (pageOutcome, error) {
	return pageOutcome{}, nil
}

// childListStrategy paginates a child object type once per parent entity, in
// parent key order. The sweep position encodes the current parent and the
// child page token within it.
type childListStrategy struct {
	engine     *Engine
	parentType string
}

func (s *childListStrategy) Page(ctx context.Context, req pageRequest) (pageOutcome, error) {
	parents, err := s.engine.store.ListEntityKeys(ctx, s.parentType)
	if err != nil {
		return pageOutcome{}, &Error{Err: err, Message: err.Error(), Reason: ReasonStorageFailed}
	}
	if len(parents) == 0 {
		return pageOutcome{}, nil
	}
	sort.Strings(parents)

	parentKey, childToken := decodeChildPosition(req.Position)

	// Resume at the recorded parent, or the next surviving one if it has
	// been deleted since the sweep started.
	idx := 0
	if parentKey != "" {
		idx = sort.SearchStrings(parents, parentKey)
		if idx == len(parents) {
			return pageOutcome{}, nil
		}
		if parents[idx] != parentKey {
			childToken = ""
		}
	}
	parent := parents[idx]

	page, err := s.engine.source.ListChildPage(ctx, req.ObjectType, parent, childToken)
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

	outcome := pageOutcome{}
	lastKey := ""
	for _, item := range page.Items {
		if err := s.engine.applyItem(ctx, req.ObjectType, item); err != nil {
			return pageOutcome{}, &Error{Err: err, Message: err.Error(), Reason: ReasonStorageFailed}
		}
		outcome.Processed++
		outcome.MaxCreated = maxTime(outcome.MaxCreated, item.Created)
		lastKey = item.Key
	}

	switch {
	case page.HasMore:
		outcome.HasMore = true
		outcome.NextPosition = encodeChildPosition(parent, lastKey)
	case idx+1 < len(parents):
		outcome.HasMore = true
		outcome.NextPosition = encodeChildPosition(parents[idx+1], "")
	}
	return outcome, nil
}

// Child positions reuse the page-cursor separator: parent|childToken.
func encodeChildPosition(parent, childToken string) string {
	return parent + pageCursorSeparator + childToken
}

func decodeChildPosition(position string) (parent, childToken string) {
	parent, childToken, _ = strings.Cut(position, pageCursorSeparator)
	return parent, childToken
}
