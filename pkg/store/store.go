package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/FulgerX2007/visual-reports-app/pkg/cron"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

var (
	// ErrNotFound is returned when a report, definition or job does not exist.
	ErrNotFound = appErrors.Clone(appErrors.ErrNotFound, "record not found")
	// ErrClosed is returned for writes submitted after Close.
	ErrClosed = errors.New("store is closed")
	// ErrLeaseLost is returned when acknowledging a job whose lease was re-issued.
	ErrLeaseLost = errors.New("job lease expired or was re-issued")
)

// Store persists definitions, reports and scheduled jobs in SQLite.
type Store struct {
	db         *sqlx.DB
	writeQueue *writeQueue
	logger     *zap.Logger
	clock      func() time.Time
	leaseTTL   time.Duration
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.clock = now } }

// WithLeaseTTL sets how long a claimed job stays invisible before it is re-issued.
func WithLeaseTTL(d time.Duration) Option { return func(s *Store) { s.leaseTTL = d } }

// NewStore opens (creating if needed) the database at dbPath and runs migrations.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL allows concurrent readers next to the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := newStore(db, opts...)
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	s.writeQueue = newWriteQueue(s)

	s.logger.Info("sqlite store ready", zap.String("path", dbPath))
	return s, nil
}

// newStore wraps an open handle without touching the schema.
func newStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   zap.NewNop(),
		clock:    time.Now,
		leaseTTL: 10 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("store")
	return s
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS report_definitions (
			id TEXT PRIMARY KEY,
			report_params TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			delivery TEXT,
			time_created INTEGER NOT NULL,
			last_updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			report_definition_id TEXT NOT NULL DEFAULT '',
			report_params TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			delivery TEXT,
			time_created INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			query_url TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_time_created ON reports(time_created)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_definition ON reports(report_definition_id)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			report_definition_id TEXT NOT NULL UNIQUE,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at INTEGER NOT NULL,
			locked_until INTEGER,
			receipt TEXT,
			last_run_at INTEGER,
			last_status TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_next_run_at ON jobs(next_run_at)`,
		// Artifacts were added after the first schema; older databases gain the columns here.
		`ALTER TABLE reports ADD COLUMN artifact BLOB`,
		`ALTER TABLE reports ADD COLUMN content_type TEXT NOT NULL DEFAULT ''`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migration failed: %w", err)
			}
			s.logger.Debug("migration skipped", zap.Error(err))
		}
	}
	return nil
}

// Close drains queued writes and closes the database.
func (s *Store) Close() error {
	if s.writeQueue != nil {
		s.writeQueue.shutdown()
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMillis() int64 { return s.clock().UnixMilli() }

func notFound(kind, id string) error {
	return appErrors.Clone(ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

// ---- reports ----

const reportColumns = `id, report_definition_id, report_params, "trigger", delivery, time_created, state,
	file_name, query_url, error_text`

// IndexReport stores a new report, assigning its id.
func (s *Store) IndexReport(ctx context.Context, report *model.Report) error {
	_, err := s.writeQueue.enqueue(ctx, opIndexReport, report)
	return err
}

func (s *Store) indexReportDirect(report *model.Report) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.State == "" {
		report.State = model.StatePending
	}
	_, err := s.db.NamedExec(`
		INSERT INTO reports (`+reportColumns+`)
		VALUES (:id, :report_definition_id, :report_params, :trigger, :delivery, :time_created, :state,
			:file_name, :query_url, :error_text)`, report)
	if err != nil {
		return appErrors.Store(err, "index report")
	}
	return nil
}

// CreateReport stores a finished report together with its payload in a single insert, so a
// failure never leaves a created report without its artifact. art may be nil.
func (s *Store) CreateReport(ctx context.Context, report *model.Report, art *model.Artifact) error {
	_, err := s.writeQueue.enqueue(ctx, opCreateReport, reportWrite{report: report, artifact: art})
	return err
}

func (s *Store) createReportDirect(report *model.Report, art *model.Artifact) error {
	if art == nil {
		return s.indexReportDirect(report)
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.State == "" {
		report.State = model.StatePending
	}
	_, err := s.db.Exec(`
		INSERT INTO reports (`+reportColumns+`, artifact, content_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.ReportDefinitionID, report.ReportParams, report.Trigger, report.Delivery,
		report.TimeCreated, report.State, report.FileName, report.QueryURL, report.ErrorText,
		art.Data, art.ContentType)
	if err != nil {
		report.ID = ""
		return appErrors.Store(err, "create report")
	}
	return nil
}

// UpdateReport writes the report's state fields and, when art is non-nil, its payload.
func (s *Store) UpdateReport(ctx context.Context, report *model.Report, art *model.Artifact) error {
	_, err := s.writeQueue.enqueue(ctx, opUpdateReport, reportWrite{report: report, artifact: art})
	return err
}

func (s *Store) updateReportDirect(report *model.Report, art *model.Artifact) error {
	var (
		res sql.Result
		err error
	)
	if art != nil {
		res, err = s.db.Exec(`
			UPDATE reports SET state = ?, time_created = ?, file_name = ?, query_url = ?, error_text = ?,
				artifact = ?, content_type = ?
			WHERE id = ?`,
			report.State, report.TimeCreated, report.FileName, report.QueryURL, report.ErrorText,
			art.Data, art.ContentType, report.ID)
	} else {
		res, err = s.db.Exec(`
			UPDATE reports SET state = ?, time_created = ?, file_name = ?, query_url = ?, error_text = ?
			WHERE id = ?`,
			report.State, report.TimeCreated, report.FileName, report.QueryURL, report.ErrorText, report.ID)
	}
	if err != nil {
		return appErrors.Store(err, "update report")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("report", report.ID)
	}
	return nil
}

// GetReport returns report metadata without the payload.
func (s *Store) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var r model.Report
	err := s.db.GetContext(ctx, &r, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("report", id)
	}
	if err != nil {
		return nil, appErrors.Store(err, "get report")
	}
	return &r, nil
}

// GetReportArtifact returns the stored payload of a created report.
func (s *Store) GetReportArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	var (
		art   model.Artifact
		state model.ReportState
	)
	row := s.db.QueryRowxContext(ctx, `SELECT artifact, content_type, file_name, state FROM reports WHERE id = ?`, id)
	err := row.Scan(&art.Data, &art.ContentType, &art.FileName, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("report", id)
	}
	if err != nil {
		return nil, appErrors.Store(err, "get artifact")
	}
	if state != model.StateCreated || len(art.Data) == 0 {
		return nil, notFound("artifact for report", id)
	}
	return &art, nil
}

// ListQuery pages and orders ListReports.
type ListQuery struct {
	Size          int
	SortField     string
	SortDirection string
}

const (
	DefaultListSize = 100
	MaxListSize     = 1000
)

var sortFields = map[string]string{
	"time_created": "time_created",
	"report_name":  "json_extract(report_params, '$.report_name')",
	"state":        "state",
	"id":           "id",
}

// Normalize applies defaults and rejects unknown sort options.
func (q ListQuery) Normalize() (ListQuery, error) {
	if q.Size <= 0 {
		q.Size = DefaultListSize
	}
	if q.Size > MaxListSize {
		return q, appErrors.Validation("size must be at most %d", MaxListSize)
	}
	if q.SortField == "" {
		q.SortField = "time_created"
	}
	if _, ok := sortFields[q.SortField]; !ok {
		return q, appErrors.Validation("sortField must be one of [time_created, report_name, state, id], got %q", q.SortField)
	}
	switch strings.ToLower(q.SortDirection) {
	case "":
		q.SortDirection = "desc"
	case "asc", "desc":
		q.SortDirection = strings.ToLower(q.SortDirection)
	default:
		return q, appErrors.Validation("sortDirection must be asc or desc, got %q", q.SortDirection)
	}
	return q, nil
}

// ListReports returns the total number of reports and one page of them.
func (s *Store) ListReports(ctx context.Context, q ListQuery) (int, []*model.Report, error) {
	q, err := q.Normalize()
	if err != nil {
		return 0, nil, err
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM reports`); err != nil {
		return 0, nil, appErrors.Store(err, "count reports")
	}

	query := fmt.Sprintf(`SELECT %s FROM reports ORDER BY %s %s, id ASC LIMIT ?`,
		reportColumns, sortFields[q.SortField], strings.ToUpper(q.SortDirection))
	reports := make([]*model.Report, 0)
	if err := s.db.SelectContext(ctx, &reports, query, q.Size); err != nil {
		return 0, nil, appErrors.Store(err, "list reports")
	}
	return total, reports, nil
}

// DeleteReport removes a report and its payload.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	_, err := s.writeQueue.enqueue(ctx, opDeleteReport, id)
	return err
}

func (s *Store) deleteReportDirect(id string) error {
	res, err := s.db.Exec(`DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return appErrors.Store(err, "delete report")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("report", id)
	}
	return nil
}

// ---- definitions ----

const definitionColumns = `id, report_params, "trigger", delivery, time_created, last_updated`

// PutDefinition creates or replaces a definition. Scheduled triggers get a job row.
func (s *Store) PutDefinition(ctx context.Context, def *model.ReportDefinition) error {
	_, err := s.writeQueue.enqueue(ctx, opPutDefinition, def)
	return err
}

func (s *Store) putDefinitionDirect(def *model.ReportDefinition) error {
	now := s.clock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.TimeCreated == 0 {
		def.TimeCreated = now.UnixMilli()
	}
	def.LastUpdated = now.UnixMilli()

	tx, err := s.db.Beginx()
	if err != nil {
		return appErrors.Store(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExec(`
		INSERT INTO report_definitions (`+definitionColumns+`)
		VALUES (:id, :report_params, :trigger, :delivery, :time_created, :last_updated)
		ON CONFLICT(id) DO UPDATE SET
			report_params = excluded.report_params,
			"trigger" = excluded."trigger",
			delivery = excluded.delivery,
			last_updated = excluded.last_updated`, def)
	if err != nil {
		return appErrors.Store(err, "put definition")
	}

	tp := def.Trigger.TriggerParams
	if def.Trigger.TriggerType == model.TriggerSchedule && tp != nil {
		next := cron.NextRun(tp, now)
		_, err = tx.Exec(`
			INSERT INTO jobs (job_id, report_definition_id, enabled, next_run_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(report_definition_id) DO UPDATE SET
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at`,
			uuid.NewString(), def.ID, tp.Enabled, next.UnixMilli())
		if err == nil {
			s.logger.Debug("job scheduled", zap.String("report_definition_id", def.ID), zap.Time("next_run_at", next))
		}
	} else {
		_, err = tx.Exec(`DELETE FROM jobs WHERE report_definition_id = ?`, def.ID)
	}
	if err != nil {
		return appErrors.Store(err, "schedule definition")
	}

	if err := tx.Commit(); err != nil {
		return appErrors.Store(err, "commit")
	}
	return nil
}

// GetDefinition returns a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*model.ReportDefinition, error) {
	var def model.ReportDefinition
	err := s.db.GetContext(ctx, &def, `SELECT `+definitionColumns+` FROM report_definitions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("report definition", id)
	}
	if err != nil {
		return nil, appErrors.Store(err, "get definition")
	}
	return &def, nil
}

// ListDefinitions returns definitions, most recently updated first.
func (s *Store) ListDefinitions(ctx context.Context) ([]*model.ReportDefinition, error) {
	defs := make([]*model.ReportDefinition, 0)
	err := s.db.SelectContext(ctx, &defs, `SELECT `+definitionColumns+` FROM report_definitions ORDER BY last_updated DESC`)
	if err != nil {
		return nil, appErrors.Store(err, "list definitions")
	}
	return defs, nil
}

// DeleteDefinition removes a definition and its job.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	_, err := s.writeQueue.enqueue(ctx, opDeleteDefinition, id)
	return err
}

func (s *Store) deleteDefinitionDirect(id string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return appErrors.Store(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM report_definitions WHERE id = ?`, id)
	if err != nil {
		return appErrors.Store(err, "delete definition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("report definition", id)
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE report_definition_id = ?`, id); err != nil {
		return appErrors.Store(err, "delete job")
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Store(err, "commit")
	}
	return nil
}
