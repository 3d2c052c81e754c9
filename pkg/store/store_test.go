package store

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/visual-reports-app/pkg/cron"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestReportLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	def := testDefinition("Ops overview")
	def.Delivery = &model.Delivery{DeliveryType: model.DeliveryEmail, Recipients: model.Recipients{To: []string{"ops@example.com"}}}
	require.NoError(t, store.PutDefinition(ctx, def))

	report := model.NewReport(def)
	require.NoError(t, store.IndexReport(ctx, report))
	require.NotEmpty(t, report.ID)

	got, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)
	assert.Equal(t, def.ID, got.ReportDefinitionID)
	require.NotNil(t, got.ReportParams.CoreParams.Visual)
	assert.Equal(t, model.FormatPDF, got.ReportParams.CoreParams.Visual.ReportFormat)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, []string{"ops@example.com"}, got.Delivery.Recipients.To)

	_, err = store.GetReportArtifact(ctx, report.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "pending report has no artifact")

	report.State = model.StateCreated
	report.TimeCreated = 1717236000000
	report.FileName = "reporting_Ops_overview_2024-06-01T10-00-00.000Z.pdf"
	require.NoError(t, store.UpdateReport(ctx, report, &model.Artifact{Data: []byte("%PDF-1.7"), ContentType: "application/pdf"}))

	art, err := store.GetReportArtifact(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), art.Data)
	assert.Equal(t, "application/pdf", art.ContentType)
	assert.Equal(t, report.FileName, art.FileName)

	require.NoError(t, store.DeleteReport(ctx, report.ID))
	_, err = store.GetReport(ctx, report.ID)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	assert.True(t, errors.Is(store.DeleteReport(ctx, report.ID), ErrNotFound))
}

func TestReportWithoutDelivery(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	report := model.NewReport(testDefinition("no delivery"))
	require.NoError(t, store.IndexReport(ctx, report))

	got, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Delivery)
	assert.Equal(t, model.TriggerOnDemand, got.Trigger.TriggerType)
}

func TestCreateReportStoresArtifactInOneWrite(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	report := model.NewReport(testDefinition("Ops overview"))
	report.State = model.StateCreated
	report.TimeCreated = 1717236000000
	report.FileName = "reporting_Ops_overview_2024-06-01T10-00-00.000Z.png"
	require.NoError(t, store.CreateReport(ctx, report, &model.Artifact{Data: []byte("PNG"), ContentType: "image/png"}))
	require.NotEmpty(t, report.ID)

	got, err := store.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCreated, got.State)
	assert.Equal(t, report.FileName, got.FileName)

	art, err := store.GetReportArtifact(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), art.Data)
	assert.Equal(t, "image/png", art.ContentType)

	bare := model.NewReport(testDefinition("no artifact"))
	bare.State = model.StateCreated
	require.NoError(t, store.CreateReport(ctx, bare, nil))
	_, err = store.GetReportArtifact(ctx, bare.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateMissingReport(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()

	err := store.UpdateReport(context.Background(), &model.Report{ID: "missing", State: model.StateError}, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListReports(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for i, name := range []string{"bravo", "alpha", "charlie"} {
		r := model.NewReport(testDefinition(name))
		r.TimeCreated = int64([]int{3, 1, 2}[i])
		require.NoError(t, store.IndexReport(ctx, r))
	}

	total, reports, err := store.ListReports(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, reports, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{reports[0].TimeCreated, reports[1].TimeCreated, reports[2].TimeCreated})

	total, reports, err = store.ListReports(ctx, ListQuery{Size: 2, SortField: "report_name", SortDirection: "ASC"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, reports, 2)
	assert.Equal(t, "alpha", reports[0].ReportParams.ReportName)
	assert.Equal(t, "bravo", reports[1].ReportParams.ReportName)

	_, _, err = store.ListReports(ctx, ListQuery{SortField: "file_name; DROP TABLE reports"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, _, err = store.ListReports(ctx, ListQuery{Size: MaxListSize + 1})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, _, err = store.ListReports(ctx, ListQuery{SortDirection: "sideways"})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestListQueryNormalize(t *testing.T) {
	q, err := ListQuery{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ListQuery{Size: DefaultListSize, SortField: "time_created", SortDirection: "desc"}, q)
}

func TestDefinitions(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	def := testDefinition("first")
	require.NoError(t, store.PutDefinition(ctx, def))
	require.NotEmpty(t, def.ID)
	created := def.TimeCreated

	def.ReportParams.ReportName = "renamed"
	require.NoError(t, store.PutDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.ReportParams.ReportName)
	assert.Equal(t, created, got.TimeCreated)

	defs, err := store.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NoError(t, store.DeleteDefinition(ctx, def.ID))
	_, err = store.GetDefinition(ctx, def.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(store.DeleteDefinition(ctx, def.ID), ErrNotFound))
}

func scheduledDefinition(expr string, enabled bool) *model.ReportDefinition {
	def := testDefinition("nightly")
	def.Trigger = model.Trigger{
		TriggerType: model.TriggerSchedule,
		TriggerParams: &model.TriggerParams{
			ScheduleType: model.ScheduleCronBased,
			CronExpr:     expr,
			Timezone:     "UTC",
			Enabled:      enabled,
		},
	}
	return def
}

func TestJobClaimLeaseAndAcknowledge(t *testing.T) {
	clk := &testClock{now: time.Date(2025, 10, 15, 22, 35, 57, 0, time.UTC)}
	store, _ := newTestStore(t, WithClock(clk.Now), WithLeaseTTL(time.Minute))
	defer store.Close()
	ctx := context.Background()

	def := scheduledDefinition("0 0 * * *", true)
	require.NoError(t, store.PutDefinition(ctx, def))

	st, err := store.GetJobState(ctx, def.ID)
	require.NoError(t, err)
	firstRun := time.Date(2025, 10, 16, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, firstRun.UnixMilli(), st.NextRunAt)

	_, err = store.NextJob(ctx)
	assert.True(t, errors.Is(err, cron.ErrNoJob), "not due yet")

	clk.Set(firstRun.Add(30 * time.Second))
	job, err := store.NextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, def.ID, job.ReportDefinitionID)
	assert.True(t, firstRun.Equal(job.ScheduledAt), "scheduled_at %v", job.ScheduledAt)
	require.NotEmpty(t, job.Receipt)

	_, err = store.NextJob(ctx)
	assert.True(t, errors.Is(err, cron.ErrNoJob), "leased job is invisible")

	// Lease expires without an acknowledgement: the job is issued again.
	clk.Set(firstRun.Add(2 * time.Minute))
	again, err := store.NextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, again.JobID)
	assert.NotEqual(t, job.Receipt, again.Receipt)

	assert.True(t, errors.Is(store.Acknowledge(ctx, job, model.JobSucceeded), ErrLeaseLost))
	require.NoError(t, store.Acknowledge(ctx, again, model.JobSucceeded))

	st, err = store.GetJobState(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC).UnixMilli(), st.NextRunAt)
	assert.False(t, st.LockedTill.Valid)
	assert.Equal(t, "success", st.LastStatus.String)

	_, err = store.NextJob(ctx)
	assert.True(t, errors.Is(err, cron.ErrNoJob))
}

func TestJobRowFollowsTrigger(t *testing.T) {
	clk := &testClock{now: time.Date(2025, 10, 15, 22, 35, 57, 0, time.UTC)}
	store, _ := newTestStore(t, WithClock(clk.Now))
	defer store.Close()
	ctx := context.Background()

	def := scheduledDefinition("0 0 * * *", false)
	require.NoError(t, store.PutDefinition(ctx, def))

	clk.Set(clk.Now().Add(48 * time.Hour))
	_, err := store.NextJob(ctx)
	assert.True(t, errors.Is(err, cron.ErrNoJob), "disabled job is never claimed")

	def.Trigger = model.Trigger{TriggerType: model.TriggerOnDemand}
	require.NoError(t, store.PutDefinition(ctx, def))
	_, err = store.GetJobState(ctx, def.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "on-demand definitions have no job")

	scheduled := scheduledDefinition("*/5 * * * *", true)
	require.NoError(t, store.PutDefinition(ctx, scheduled))
	require.NoError(t, store.DeleteDefinition(ctx, scheduled.ID))
	_, err = store.GetJobState(ctx, scheduled.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := newStore(sqlx.NewDb(db, "sqlite"))
	s.writeQueue = newWriteQueue(s)
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM reports WHERE id = ?`)).
		WithArgs("r1").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetReport(ctx, "r1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrStore))
	assert.Equal(t, 500, appErrors.FromError(err).Status)
	assert.Contains(t, err.Error(), "disk I/O error")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM reports`)).
		WillReturnError(errors.New("database is locked"))
	_, _, err = s.ListReports(ctx, ListQuery{})
	assert.True(t, errors.Is(err, appErrors.ErrStore))

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM reports WHERE id = ?`)).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.DeleteReport(ctx, "r1")
	assert.True(t, errors.Is(err, ErrNotFound))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reports`)).
		WillReturnError(errors.New("disk I/O error"))
	report := &model.Report{State: model.StateCreated}
	err = s.CreateReport(ctx, report, &model.Artifact{Data: []byte("PNG"), ContentType: "image/png"})
	assert.True(t, errors.Is(err, appErrors.ErrStore))
	assert.Empty(t, report.ID, "failed create does not hand back an id")

	assert.NoError(t, mock.ExpectationsWereMet())
}
