package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/cron"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

// NextJob claims the earliest due job and leases it for the configured TTL.
// A job whose lease expires without acknowledgement is issued again.
func (s *Store) NextJob(ctx context.Context) (*model.ScheduledJob, error) {
	v, err := s.writeQueue.enqueue(ctx, opClaimJob, nil)
	if err != nil {
		return nil, err
	}
	return v.(*model.ScheduledJob), nil
}

func (s *Store) claimJobDirect() (*model.ScheduledJob, error) {
	now := s.nowMillis()

	var row struct {
		JobID              string `db:"job_id"`
		ReportDefinitionID string `db:"report_definition_id"`
		NextRunAt          int64  `db:"next_run_at"`
	}
	err := s.db.Get(&row, `
		SELECT job_id, report_definition_id, next_run_at FROM jobs
		WHERE enabled = 1 AND next_run_at <= ? AND (locked_until IS NULL OR locked_until <= ?)
		ORDER BY next_run_at ASC LIMIT 1`, now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cron.ErrNoJob
	}
	if err != nil {
		return nil, appErrors.Store(err, "claim job")
	}

	receipt := uuid.NewString()
	_, err = s.db.Exec(`UPDATE jobs SET locked_until = ?, receipt = ? WHERE job_id = ?`,
		now+s.leaseTTL.Milliseconds(), receipt, row.JobID)
	if err != nil {
		return nil, appErrors.Store(err, "lease job")
	}

	return &model.ScheduledJob{
		JobID:              row.JobID,
		ReportDefinitionID: row.ReportDefinitionID,
		ScheduledAt:        time.UnixMilli(row.NextRunAt).UTC(),
		Receipt:            receipt,
	}, nil
}

// Acknowledge releases the lease, records the outcome and advances the job to its next run.
// Jobs whose definition no longer exists are removed.
func (s *Store) Acknowledge(ctx context.Context, job *model.ScheduledJob, status model.JobStatus) error {
	_, err := s.writeQueue.enqueue(ctx, opAckJob, ackJobParams{job: job, status: status})
	return err
}

func (s *Store) ackJobDirect(job *model.ScheduledJob, status model.JobStatus) error {
	now := s.clock()

	var trigger model.Trigger
	err := s.db.Get(&trigger, `SELECT "trigger" FROM report_definitions WHERE id = ?`, job.ReportDefinitionID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`DELETE FROM jobs WHERE job_id = ? AND receipt = ?`, job.JobID, job.Receipt); err != nil {
			return appErrors.Store(err, "drop orphaned job")
		}
		s.logger.Warn("dropped job without definition",
			zap.String("job_id", job.JobID), zap.String("report_definition_id", job.ReportDefinitionID))
		return nil
	}
	if err != nil {
		return appErrors.Store(err, "load trigger")
	}

	next := cron.NextRun(trigger.TriggerParams, now)
	res, err := s.db.Exec(`
		UPDATE jobs SET locked_until = NULL, receipt = NULL, last_run_at = ?, last_status = ?, next_run_at = ?
		WHERE job_id = ? AND receipt = ?`,
		now.UnixMilli(), string(status), next.UnixMilli(), job.JobID, job.Receipt)
	if err != nil {
		return appErrors.Store(err, "acknowledge job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// JobState is the scheduling row behind a definition.
type JobState struct {
	JobID      string         `db:"job_id"`
	Enabled    bool           `db:"enabled"`
	NextRunAt  int64          `db:"next_run_at"`
	LockedTill sql.NullInt64  `db:"locked_until"`
	LastRunAt  sql.NullInt64  `db:"last_run_at"`
	LastStatus sql.NullString `db:"last_status"`
}

// GetJobState returns the job row for a definition.
func (s *Store) GetJobState(ctx context.Context, definitionID string) (*JobState, error) {
	var st JobState
	err := s.db.GetContext(ctx, &st, `
		SELECT job_id, enabled, next_run_at, locked_until, last_run_at, last_status
		FROM jobs WHERE report_definition_id = ?`, definitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job for definition", definitionID)
	}
	if err != nil {
		return nil, appErrors.Store(err, "get job")
	}
	return &st, nil
}
