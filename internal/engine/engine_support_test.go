package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billmirror/billmirror/internal/source"
	"github.com/billmirror/billmirror/internal/store"
)

// fakeStore is an in-memory Store with the same transition semantics as the
// Postgres implementation, for exercising the engine without a database.
type fakeStore struct {
	mu sync.Mutex

	accounts   map[string]struct{}
	runs       map[uuid.UUID]*store.Run
	objectRuns map[string]*store.ObjectRun

	entities map[string]*fakeEntity

	// upserts counts UpsertEntity calls per entity key, so tests can assert
	// each item was applied exactly once.
	upserts map[string]int

	// cursorErr, when set, fails LastCompletedCursor (transient store outage).
	cursorErr error

	now func() time.Time
}

type fakeEntity struct {
	payload   []byte
	createdTS *time.Time
	syncedAt  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:   make(map[string]struct{}),
		runs:       make(map[uuid.UUID]*store.Run),
		objectRuns: make(map[string]*store.ObjectRun),
		entities:   make(map[string]*fakeEntity),
		upserts:    make(map[string]int),
		now:        time.Now,
	}
}

func objectRunKey(runID uuid.UUID, objectType string) string {
	return runID.String() + "/" + objectType
}

func entityKey(objectType, naturalKey string) string {
	return objectType + "/" + naturalKey
}

func (f *fakeStore) EnsureAccount(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[accountID] = struct{}{}
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID uuid.UUID) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (f *fakeStore) GetOpenRun(_ context.Context, accountID, triggeredBy string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openRunLocked(accountID, triggeredBy), nil
}

func (f *fakeStore) openRunLocked(accountID, triggeredBy string) *store.Run {
	for _, run := range f.runs {
		if run.AccountID == accountID && run.TriggeredBy == triggeredBy && run.ClosedAt == nil {
			copied := *run
			return &copied
		}
	}
	return nil
}

func (f *fakeStore) CreateRun(_ context.Context, accountID, triggeredBy string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// At most one open run per (account, channel), as the partial unique
	// index enforces.
	if open := f.openRunLocked(accountID, triggeredBy); open != nil {
		return open, nil
	}
	run := &store.Run{
		ID:          uuid.New(),
		AccountID:   accountID,
		TriggeredBy: triggeredBy,
		StartedAt:   f.now(),
	}
	f.runs[run.ID] = run
	copied := *run
	return &copied, nil
}

func (f *fakeStore) ListRuns(_ context.Context, accountID string, limit int) ([]store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Run
	for _, run := range f.runs {
		if run.AccountID == accountID {
			out = append(out, *run)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CloseRunIfComplete(_ context.Context, runID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, store.ErrRunNotFound
	}
	if run.ClosedAt != nil {
		return true, nil
	}
	for _, o := range f.objectRuns {
		if o.RunID == runID && !o.Status.Terminal() {
			return false, nil
		}
	}
	closed := f.now()
	run.ClosedAt = &closed
	return true, nil
}

func (f *fakeStore) RecoverStaleObjectRuns(
	_ context.Context, accountID string, olderThan time.Duration,
) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-olderThan)
	seen := make(map[uuid.UUID]struct{})
	var runIDs []uuid.UUID
	for _, o := range f.objectRuns {
		run, ok := f.runs[o.RunID]
		if !ok || run.AccountID != accountID {
			continue
		}
		if o.Status == store.StatusRunning && o.UpdatedAt.Before(cutoff) {
			o.Status = store.StatusError
			detail := "stale: no progress within " + olderThan.String()
			o.ErrorDetail = &detail
			o.UpdatedAt = f.now()
			if _, dup := seen[o.RunID]; !dup {
				seen[o.RunID] = struct{}{}
				runIDs = append(runIDs, o.RunID)
			}
		}
	}
	return runIDs, nil
}

func (f *fakeStore) EnsureObjectRun(_ context.Context, runID uuid.UUID, objectType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := objectRunKey(runID, objectType)
	if _, ok := f.objectRuns[key]; ok {
		return nil
	}
	f.objectRuns[key] = &store.ObjectRun{
		RunID:      runID,
		ObjectType: objectType,
		Status:     store.StatusPending,
		UpdatedAt:  f.now(),
	}
	return nil
}

func (f *fakeStore) GetObjectRun(_ context.Context, runID uuid.UUID, objectType string) (*store.ObjectRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objectRuns[objectRunKey(runID, objectType)]
	if !ok {
		return nil, nil
	}
	copied := *o
	return &copied, nil
}

func (f *fakeStore) ListObjectRuns(_ context.Context, runID uuid.UUID) ([]store.ObjectRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ObjectRun
	for _, o := range f.objectRuns {
		if o.RunID == runID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) TryClaimObjectRun(
	_ context.Context, runID uuid.UUID, objectType string, maxConcurrent int,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[runID]; !ok {
		return false, store.ErrRunNotFound
	}
	running := 0
	for _, o := range f.objectRuns {
		if o.RunID == runID && o.Status == store.StatusRunning {
			running++
		}
	}
	if running >= maxConcurrent {
		return false, nil
	}
	o, ok := f.objectRuns[objectRunKey(runID, objectType)]
	if !ok || o.Status != store.StatusPending {
		return false, nil
	}
	o.Status = store.StatusRunning
	o.UpdatedAt = f.now()
	return true, nil
}

func (f *fakeStore) SetPageCursor(_ context.Context, runID uuid.UUID, objectType, pageCursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objectRuns[objectRunKey(runID, objectType)]
	if !ok || o.Status != store.StatusRunning {
		return nil
	}
	cursor := pageCursor
	o.PageCursor = &cursor
	o.UpdatedAt = f.now()
	return nil
}

func (f *fakeStore) CompleteObjectRun(_ context.Context, runID uuid.UUID, objectType, newCursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objectRuns[objectRunKey(runID, objectType)]
	if !ok || o.Status != store.StatusRunning {
		return fmt.Errorf("object run %s/%s is not running", runID, objectType)
	}
	o.Status = store.StatusComplete
	if newCursor != "" {
		cursor := newCursor
		o.Cursor = &cursor
	}
	o.PageCursor = nil
	o.UpdatedAt = f.now()
	return nil
}

func (f *fakeStore) FailObjectRun(_ context.Context, runID uuid.UUID, objectType, errorDetail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objectRuns[objectRunKey(runID, objectType)]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("object run %s/%s is already terminal", runID, objectType)
	}
	o.Status = store.StatusError
	detail := errorDetail
	o.ErrorDetail = &detail
	o.UpdatedAt = f.now()
	return nil
}

func (f *fakeStore) LastCompletedCursor(_ context.Context, accountID, objectType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursorErr != nil {
		return "", f.cursorErr
	}
	var newest *store.ObjectRun
	for _, o := range f.objectRuns {
		run, ok := f.runs[o.RunID]
		if !ok || run.AccountID != accountID {
			continue
		}
		if o.ObjectType != objectType || o.Status != store.StatusComplete {
			continue
		}
		if newest == nil || o.UpdatedAt.After(newest.UpdatedAt) {
			newest = o
		}
	}
	if newest == nil || newest.Cursor == nil {
		return "", nil
	}
	return *newest.Cursor, nil
}

func (f *fakeStore) UpsertEntity(
	_ context.Context, objectType, naturalKey string, payload []byte, createdTS *time.Time,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[entityKey(objectType, naturalKey)] = &fakeEntity{
		payload:   payload,
		createdTS: createdTS,
		syncedAt:  f.now(),
	}
	f.upserts[entityKey(objectType, naturalKey)]++
	return nil
}

func (f *fakeStore) DeleteEntity(_ context.Context, objectType, naturalKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, entityKey(objectType, naturalKey))
	return nil
}

func (f *fakeStore) EntitySyncedAt(_ context.Context, objectType, naturalKey string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[entityKey(objectType, naturalKey)]
	if !ok {
		return nil, nil
	}
	synced := e.syncedAt
	return &synced, nil
}

func (f *fakeStore) ListEntityKeys(_ context.Context, objectType string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := objectType + "/"
	var keys []string
	for key := range f.entities {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key[len(prefix):])
		}
	}
	return keys, nil
}

// hasEntity reports whether a mirrored row exists (test helper).
func (f *fakeStore) hasEntity(objectType, naturalKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entities[entityKey(objectType, naturalKey)]
	return ok
}

// upsertCount reports how many times a row was written (test helper).
func (f *fakeStore) upsertCount(objectType, naturalKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[entityKey(objectType, naturalKey)]
}

// setEntitySyncedAt pins a row's synced_at for freshness tests.
func (f *fakeStore) setEntitySyncedAt(objectType, naturalKey string, syncedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entities[entityKey(objectType, naturalKey)]; ok {
		e.syncedAt = syncedAt
	}
}

// objectRun returns a copy of one object run (test helper).
func (f *fakeStore) objectRun(runID uuid.UUID, objectType string) *store.ObjectRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objectRuns[objectRunKey(runID, objectType)]
	if !ok {
		return nil
	}
	copied := *o
	return &copied
}

// backdateObjectRun moves an object run's updated_at into the past so the
// stale-recovery path triggers.
func (f *fakeStore) backdateObjectRun(runID uuid.UUID, objectType string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.objectRuns[objectRunKey(runID, objectType)]; ok {
		o.UpdatedAt = f.now().Add(-age)
	}
}

// fakeSource serves scripted pages keyed by object type and resume position.
type fakeSource struct {
	mu sync.Mutex

	// pages[objectType][position] is the page served when resuming from
	// position ("" is the first page).
	pages map[string]map[string]source.Page

	// childPages[objectType][parentKey][token] serves per-parent pages.
	childPages map[string]map[string]map[string]source.Page

	// singles[objectType/key] answers FetchOne.
	singles map[string]source.RawItem

	listErr  error
	fetchErr error

	listCalls  int
	fetchCalls int
	lastFilter source.Filter
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:      make(map[string]map[string]source.Page),
		childPages: make(map[string]map[string]map[string]source.Page),
		singles:    make(map[string]source.RawItem),
	}
}

func (f *fakeSource) addPage(objectType, position string, page source.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[objectType] == nil {
		f.pages[objectType] = make(map[string]source.Page)
	}
	f.pages[objectType][position] = page
}

func (f *fakeSource) addChildPage(objectType, parentKey, token string, page source.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.childPages[objectType] == nil {
		f.childPages[objectType] = make(map[string]map[string]source.Page)
	}
	if f.childPages[objectType][parentKey] == nil {
		f.childPages[objectType][parentKey] = make(map[string]source.Page)
	}
	f.childPages[objectType][parentKey][token] = page
}

func (f *fakeSource) addSingle(objectType string, item source.RawItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles[objectType+"/"+item.Key] = item
}

func (f *fakeSource) ListPage(
	_ context.Context, objectType string, filter source.Filter, pageCursor string,
) (source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastFilter = filter
	if f.listErr != nil {
		return source.Page{}, f.listErr
	}
	return f.pages[objectType][pageCursor], nil
}

func (f *fakeSource) ListChildPage(
	_ context.Context, objectType, parentKey, pageCursor string,
) (source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return source.Page{}, f.listErr
	}
	return f.childPages[objectType][parentKey][pageCursor], nil
}

func (f *fakeSource) FetchOne(_ context.Context, objectType, key string) (source.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return source.RawItem{}, f.fetchErr
	}
	item, ok := f.singles[objectType+"/"+key]
	if !ok {
		return source.RawItem{}, fmt.Errorf("no such %s: %s", objectType, key)
	}
	return item, nil
}

func rawItem(key string, created time.Time) source.RawItem {
	return source.RawItem{
		Key:     key,
		Created: created,
		Payload: []byte(`{"id":"` + key + `"}`),
	}
}
