package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billmirror/billmirror/internal/source"
	"github.com/billmirror/billmirror/internal/store"
)

const testAccount = "acct_test"

func newTestEngine(t *testing.T, st Store, src source.Source, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(st, src, testAccount, opts...)
	require.NoError(t, err)
	return eng
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()

	_, err := New(nil, src, testAccount)
	assert.Error(t, err)

	_, err = New(st, nil, testAccount)
	assert.Error(t, err)

	_, err = New(st, src, "")
	assert.Error(t, err)
}

func TestProcessNextUnknownObjectType(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, newFakeStore(), newFakeSource())
	_, err := eng.ProcessNext(context.Background(), "widgets", ProcessOptions{})
	assert.ErrorIs(t, err, ErrUnknownObjectType)
}

func TestProcessNextSinglePageSweep(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	t1 := time.Unix(1000, 0).UTC()
	t2 := time.Unix(2000, 0).UTC()
	src.addPage(TypeCustomers, "", source.Page{
		Items: []source.RawItem{rawItem("cus_1", t1), rawItem("cus_2", t2)},
	})

	eng := newTestEngine(t, st, src)
	result, err := eng.ProcessNext(context.Background(), TypeCustomers, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, HasMore: false}, result)

	assert.True(t, st.hasEntity(TypeCustomers, "cus_1"))
	assert.True(t, st.hasEntity(TypeCustomers, "cus_2"))

	run, err := st.GetOpenRun(context.Background(), testAccount, DefaultChannel)
	require.NoError(t, err)
	assert.Nil(t, run, "run should close once its only object run completes")

	runs, err := st.ListRuns(context.Background(), testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	objectRun := st.objectRun(runs[0].ID, TypeCustomers)
	require.NotNil(t, objectRun)
	assert.Equal(t, store.StatusComplete, objectRun.Status)
	require.NotNil(t, objectRun.Cursor)
	assert.Equal(t, encodeCursor(t2), *objectRun.Cursor)
}

func TestProcessNextMultiPageSweepCarriesWatermark(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	// The first page holds the newest item; its watermark must survive to
	// the final cursor even though the later pages are older.
	t5 := time.Unix(5000, 0).UTC()
	t3 := time.Unix(3000, 0).UTC()
	t2 := time.Unix(2000, 0).UTC()
	t1 := time.Unix(1000, 0).UTC()
	src.addPage(TypeInvoices, "", source.Page{
		Items:   []source.RawItem{rawItem("in_1", t5), rawItem("in_2", t1)},
		HasMore: true,
	})
	src.addPage(TypeInvoices, "in_2", source.Page{
		Items:   []source.RawItem{rawItem("in_3", t2), rawItem("in_4", t3)},
		HasMore: true,
	})
	src.addPage(TypeInvoices, "in_4", source.Page{
		Items: []source.RawItem{rawItem("in_5", t1), rawItem("in_6", t2)},
	})

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	result, err := eng.ProcessNext(ctx, TypeInvoices, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, HasMore: true}, result)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	runID := runs[0].ID

	mid := st.objectRun(runID, TypeInvoices)
	require.NotNil(t, mid)
	assert.Equal(t, store.StatusRunning, mid.Status)
	require.NotNil(t, mid.PageCursor)
	assert.NotEmpty(t, *mid.PageCursor)

	result, err = eng.ProcessNext(ctx, TypeInvoices, ProcessOptions{RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, HasMore: true}, result)

	result, err = eng.ProcessNext(ctx, TypeInvoices, ProcessOptions{RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, HasMore: false}, result)

	// Every item across the sweep landed exactly once.
	for _, key := range []string{"in_1", "in_2", "in_3", "in_4", "in_5", "in_6"} {
		assert.Equal(t, 1, st.upsertCount(TypeInvoices, key), key)
	}

	done := st.objectRun(runID, TypeInvoices)
	require.NotNil(t, done)
	assert.Equal(t, store.StatusComplete, done.Status)
	assert.Nil(t, done.PageCursor)
	require.NotNil(t, done.Cursor)
	assert.Equal(t, encodeCursor(t5), *done.Cursor)
}

func TestProcessNextTerminalRedeliveryIsNoOp(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	src.addPage(TypeProducts, "", source.Page{
		Items: []source.RawItem{rawItem("prod_1", time.Unix(100, 0))},
	})

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.ProcessNext(ctx, TypeProducts, ProcessOptions{})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	callsBefore := src.listCalls
	result, err := eng.ProcessNext(ctx, TypeProducts, ProcessOptions{RunID: runs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 0, HasMore: false}, result)
	assert.Equal(t, callsBefore, src.listCalls, "redelivered terminal unit must not touch the source")
}

func TestProcessNextClaimDeniedIsBackpressure(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	eng := newTestEngine(t, st, src, WithMaxConcurrent(1))
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testAccount, DefaultChannel)
	require.NoError(t, err)
	require.NoError(t, st.EnsureObjectRun(ctx, run.ID, TypeProducts))
	claimed, err := st.TryClaimObjectRun(ctx, run.ID, TypeProducts, 1)
	require.NoError(t, err)
	require.True(t, claimed)

	result, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{RunID: run.ID})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 0, HasMore: true}, result)

	objectRun := st.objectRun(run.ID, TypeCustomers)
	require.NotNil(t, objectRun)
	assert.Equal(t, store.StatusPending, objectRun.Status)
	assert.Zero(t, src.listCalls)
}

func TestProcessNextProtocolViolation(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	src.addPage(TypeCharges, "", source.Page{HasMore: true})

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.ProcessNext(ctx, TypeCharges, ProcessOptions{})
	require.ErrorIs(t, err, ErrUpstreamProtocol)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	objectRun := st.objectRun(runs[0].ID, TypeCharges)
	require.NotNil(t, objectRun)
	assert.Equal(t, store.StatusError, objectRun.Status)
	require.NotNil(t, objectRun.ErrorDetail)
	assert.Contains(t, *objectRun.ErrorDetail, ReasonProtocolViolation)

	closedRun, err := st.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, closedRun.ClosedAt, "failed object run still lets the run close")
}

func TestProcessNextSourceErrorFailsObjectRun(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	src.listErr = errors.New("connection reset")

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.Error(t, err)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	objectRun := st.objectRun(runs[0].ID, TypeCustomers)
	require.NotNil(t, objectRun)
	assert.Equal(t, store.StatusError, objectRun.Status)
	require.NotNil(t, objectRun.ErrorDetail)
	assert.Contains(t, *objectRun.ErrorDetail, ReasonFetchFailed)
}

func TestProcessNextInheritsCursorFromPreviousRun(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	t1 := time.Unix(3000, 0).UTC()
	src.addPage(TypeCustomers, "", source.Page{
		Items: []source.RawItem{rawItem("cus_1", t1)},
	})

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.NoError(t, err)

	// Second sweep: the listing is filtered from the first sweep's
	// watermark, and an empty result leaves the cursor where it was.
	src.addPage(TypeCustomers, "", source.Page{})
	result, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 0, HasMore: false}, result)
	assert.Equal(t, t1.Unix(), src.lastFilter.CreatedSince.Unix())

	cursor, err := st.LastCompletedCursor(ctx, testAccount, TypeCustomers)
	require.NoError(t, err)
	assert.Equal(t, encodeCursor(t1), cursor, "empty sweep must not regress the cursor")
}

func TestProcessNextCursorOutageDoesNotRegressCursor(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	t5 := time.Unix(5000, 0).UTC()
	src.addPage(TypeCustomers, "", source.Page{
		Items: []source.RawItem{rawItem("cus_1", t5)},
	})

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.NoError(t, err)

	// Second sweep is empty, and the stored-cursor lookup fails mid-outage.
	// The unit must error out without completing: completing would regress
	// the incremental cursor to empty.
	src.addPage(TypeCustomers, "", source.Page{})
	st.cursorErr = errors.New("connection refused")
	_, err = eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.Error(t, err)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		objectRun := st.objectRun(run.ID, TypeCustomers)
		require.NotNil(t, objectRun)
		assert.NotEqual(t, store.StatusError, objectRun.Status,
			"transient cursor lookup failure must not fail the object run")
	}

	// Redelivery after the outage completes with the prior cursor intact.
	st.cursorErr = nil
	result, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 0, HasMore: false}, result)

	cursor, err := st.LastCompletedCursor(ctx, testAccount, TypeCustomers)
	require.NoError(t, err)
	assert.Equal(t, encodeCursor(t5), cursor)
}

func TestProcessNextSweepWindowPinnedAtClaim(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	ctx := context.Background()

	t1 := time.Unix(1000, 0).UTC()
	t5 := time.Unix(5000, 0).UTC()
	t9 := time.Unix(9000, 0).UTC()

	// Seed the incremental cursor at t1.
	src.addPage(TypeInvoices, "", source.Page{
		Items: []source.RawItem{rawItem("in_0", t1)},
	})
	eng := newTestEngine(t, st, src)
	_, err := eng.ProcessNext(ctx, TypeInvoices, ProcessOptions{})
	require.NoError(t, err)

	// A two-page sweep on another channel starts under the t1 window.
	src.addPage(TypeInvoices, "", source.Page{
		Items:   []source.RawItem{rawItem("in_1", t5)},
		HasMore: true,
	})
	src.addPage(TypeInvoices, "in_1", source.Page{
		Items: []source.RawItem{rawItem("in_2", t1)},
	})
	result, err := eng.ProcessNext(ctx, TypeInvoices, ProcessOptions{TriggeredBy: "manual"})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, HasMore: true}, result)
	assert.Equal(t, t1.Unix(), src.lastFilter.CreatedSince.Unix())

	// Mid-sweep, a run on a third channel completes this object type with a
	// newer cursor.
	other, err := st.CreateRun(ctx, testAccount, "backfill")
	require.NoError(t, err)
	require.NoError(t, st.EnsureObjectRun(ctx, other.ID, TypeInvoices))
	claimed, err := st.TryClaimObjectRun(ctx, other.ID, TypeInvoices, 3)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.CompleteObjectRun(ctx, other.ID, TypeInvoices, encodeCursor(t9)))

	// The in-flight sweep resumes with the window it was claimed under, not
	// the narrower one the competing run just stored.
	result, err = eng.ProcessNext(ctx, TypeInvoices, ProcessOptions{TriggeredBy: "manual"})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, HasMore: false}, result)
	assert.Equal(t, t1.Unix(), src.lastFilter.CreatedSince.Unix(),
		"resumed page must keep the filter snapshot taken at claim time")
	assert.True(t, st.hasEntity(TypeInvoices, "in_2"))
}

func TestProcessNextCursorOverride(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	src.addPage(TypeCustomers, "", source.Page{})

	override := time.Unix(7777, 0).UTC()
	eng := newTestEngine(t, st, src)

	_, err := eng.ProcessNext(context.Background(), TypeCustomers, ProcessOptions{
		CursorOverride: encodeCursor(override),
	})
	require.NoError(t, err)
	assert.Equal(t, override.Unix(), src.lastFilter.CreatedSince.Unix())
}

func TestProcessNextRestrictedTypeCompletesImmediately(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	result, err := eng.ProcessNext(ctx, TypeDisputes, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 0, HasMore: false}, result)
	assert.Zero(t, src.listCalls)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	objectRun := st.objectRun(runs[0].ID, TypeDisputes)
	require.NotNil(t, objectRun)
	assert.Equal(t, store.StatusComplete, objectRun.Status)
}

func TestProcessNextChildSweepAcrossParents(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	ctx := context.Background()

	require.NoError(t, st.UpsertEntity(ctx, TypeSubscriptions, "sub_1", []byte(`{}`), nil))
	require.NoError(t, st.UpsertEntity(ctx, TypeSubscriptions, "sub_2", []byte(`{}`), nil))

	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)
	t3 := time.Unix(300, 0)
	src.addChildPage(TypeSubscriptionItems, "sub_1", "", source.Page{
		Items:   []source.RawItem{rawItem("si_1", t1)},
		HasMore: true,
	})
	src.addChildPage(TypeSubscriptionItems, "sub_1", "si_1", source.Page{
		Items: []source.RawItem{rawItem("si_2", t2)},
	})
	src.addChildPage(TypeSubscriptionItems, "sub_2", "", source.Page{
		Items: []source.RawItem{rawItem("si_3", t3)},
	})

	eng := newTestEngine(t, st, src)

	result, err := eng.ProcessNext(ctx, TypeSubscriptionItems, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, HasMore: true}, result)

	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	opts := ProcessOptions{RunID: runs[0].ID}

	result, err = eng.ProcessNext(ctx, TypeSubscriptionItems, opts)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, HasMore: true}, result, "end of one parent moves to the next")

	result, err = eng.ProcessNext(ctx, TypeSubscriptionItems, opts)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, HasMore: false}, result)

	assert.True(t, st.hasEntity(TypeSubscriptionItems, "si_1"))
	assert.True(t, st.hasEntity(TypeSubscriptionItems, "si_2"))
	assert.True(t, st.hasEntity(TypeSubscriptionItems, "si_3"))

	objectRun := st.objectRun(runs[0].ID, TypeSubscriptionItems)
	require.NotNil(t, objectRun)
	assert.Equal(t, store.StatusComplete, objectRun.Status)
	require.NotNil(t, objectRun.Cursor)
	assert.Equal(t, encodeCursor(t3.UTC()), *objectRun.Cursor)
}

func TestProcessNextChildSweepNoParents(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	eng := newTestEngine(t, st, src)

	result, err := eng.ProcessNext(context.Background(), TypeSubscriptionItems, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 0, HasMore: false}, result)
	assert.Zero(t, src.listCalls)
}

func TestProcessNextDeletedItemRemovesEntity(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	ctx := context.Background()

	require.NoError(t, st.UpsertEntity(ctx, TypePlans, "plan_old", []byte(`{}`), nil))
	deleted := rawItem("plan_old", time.Unix(500, 0))
	deleted.Deleted = true
	src.addPage(TypePlans, "", source.Page{Items: []source.RawItem{deleted}})

	eng := newTestEngine(t, st, src)
	_, err := eng.ProcessNext(ctx, TypePlans, ProcessOptions{})
	require.NoError(t, err)
	assert.False(t, st.hasEntity(TypePlans, "plan_old"))
}

func TestJoinOrCreateRunRecoversStaleClaims(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	src.addPage(TypeCustomers, "", source.Page{
		Items:   []source.RawItem{rawItem("cus_1", time.Unix(100, 0))},
		HasMore: true,
	})

	eng := newTestEngine(t, st, src, WithStaleAfter(30*time.Minute))
	ctx := context.Background()

	// Leave a claim mid-sweep, then abandon it.
	_, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.NoError(t, err)
	runs, err := st.ListRuns(ctx, testAccount, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	staleID := runs[0].ID
	st.backdateObjectRun(staleID, TypeCustomers, 2*time.Hour)

	fresh, err := eng.JoinOrCreateRun(ctx, DefaultChannel)
	require.NoError(t, err)
	assert.NotEqual(t, staleID, fresh.ID, "abandoned run must not be joined")

	recovered := st.objectRun(staleID, TypeCustomers)
	require.NotNil(t, recovered)
	assert.Equal(t, store.StatusError, recovered.Status)

	old, err := st.GetRun(ctx, staleID)
	require.NoError(t, err)
	assert.NotNil(t, old.ClosedAt)
}

func TestRunStatus(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := newFakeSource()
	src.addPage(TypeCustomers, "", source.Page{
		Items: []source.RawItem{rawItem("cus_1", time.Unix(100, 0))},
	})

	eng := newTestEngine(t, st, src)
	ctx := context.Background()

	_, err := eng.ProcessNext(ctx, TypeCustomers, ProcessOptions{})
	require.NoError(t, err)

	runs, err := eng.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, objectRuns, err := eng.RunStatus(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, run.ID)
	require.Len(t, objectRuns, 1)
	assert.Equal(t, TypeCustomers, objectRuns[0].ObjectType)
}
