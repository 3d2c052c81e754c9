package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/logger"
	"github.com/FulgerX2007/visual-reports-app/pkg/metrics"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
	"github.com/FulgerX2007/visual-reports-app/pkg/render"
)

// ErrNoJob is returned by a JobSource when nothing is due.
var ErrNoJob = errors.New("no job available")

// JobSource issues due jobs and takes them back once handled.
type JobSource interface {
	NextJob(ctx context.Context) (*model.ScheduledJob, error)
	Acknowledge(ctx context.Context, job *model.ScheduledJob, status model.JobStatus) error
}

type DefinitionReader interface {
	GetDefinition(ctx context.Context, id string) (*model.ReportDefinition, error)
}

type ReportWriter interface {
	IndexReport(ctx context.Context, report *model.Report) error
	UpdateReport(ctx context.Context, report *model.Report, art *model.Artifact) error
}

type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Result, error)
}

// Notifier delivers a created report to its recipients.
type Notifier interface {
	Deliver(ctx context.Context, delivery *model.Delivery, report *model.Report, data []byte) error
}

// every fires at a fixed interval. cron.Every rounds to whole seconds, this does not.
type every struct{ d time.Duration }

func (e every) Next(t time.Time) time.Time { return t.Add(e.d) }

// Poller pulls one job per tick and runs it to completion.
type Poller struct {
	jobs     JobSource
	defs     DefinitionReader
	reports  ReportWriter
	renderer Renderer

	notifier       Notifier
	interval       time.Duration
	storeArtifacts bool
	logger         *zap.Logger
	metrics        *metrics.Recorder
	clock          func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	inFlight map[string]struct{}
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption { return func(p *Poller) { p.interval = d } }

func WithNotifier(n Notifier) PollerOption { return func(p *Poller) { p.notifier = n } }

func WithLogger(l *zap.Logger) PollerOption { return func(p *Poller) { p.logger = l } }

func WithMetrics(m *metrics.Recorder) PollerOption { return func(p *Poller) { p.metrics = m } }

func WithClock(now func() time.Time) PollerOption { return func(p *Poller) { p.clock = now } }

// WithArtifacts controls whether rendered payloads are persisted with the report.
func WithArtifacts(store bool) PollerOption { return func(p *Poller) { p.storeArtifacts = store } }

func NewPoller(jobs JobSource, defs DefinitionReader, reports ReportWriter, renderer Renderer, opts ...PollerOption) *Poller {
	p := &Poller{
		jobs:           jobs,
		defs:           defs,
		reports:        reports,
		renderer:       renderer,
		interval:       15 * time.Second,
		storeArtifacts: true,
		logger:         zap.NewNop(),
		clock:          time.Now,
		inFlight:       make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.Named("poller")
	return p
}

// Start runs Tick every interval until Stop. Ticks never overlap and a panicking tick is recovered.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return fmt.Errorf("poller already started")
	}
	if p.interval <= 0 {
		return fmt.Errorf("poller interval must be positive, got %s", p.interval)
	}

	adapter := logger.CronAdapter{Logger: p.logger}
	c := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	c.Schedule(every{p.interval}, cron.FuncJob(func() { p.Tick(ctx) }))
	c.Start()
	p.cron = c

	p.logger.Info("poller started", zap.Duration("interval", p.interval))
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.logger.Info("poller stopped")
}

// Tick claims at most one job and processes it.
func (p *Poller) Tick(ctx context.Context) {
	job, err := p.jobs.NextJob(ctx)
	if errors.Is(err, ErrNoJob) {
		p.logger.Debug("no job due")
		p.metrics.PollerTick("idle")
		return
	}
	if err != nil {
		p.logger.Error("fetching next job", zap.Error(err))
		p.metrics.PollerTick("source_error")
		return
	}

	log := p.logger.With(zap.String("job_id", job.JobID), zap.String("report_definition_id", job.ReportDefinitionID))

	if !p.claim(job.JobID) {
		log.Warn("job already running, skipping duplicate delivery")
		p.metrics.PollerTick("duplicate")
		return
	}
	defer p.release(job.JobID)

	outcome := p.run(ctx, log, job)
	p.metrics.PollerTick(outcome)
}

func (p *Poller) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Poller) release(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context, log *zap.Logger, job *model.ScheduledJob) string {
	def, err := p.defs.GetDefinition(ctx, job.ReportDefinitionID)
	if errors.Is(err, appErrors.ErrNotFound) {
		resErr := appErrors.Wrap(err, appErrors.ErrJobResolution.Code, appErrors.ErrJobResolution.Status,
			fmt.Sprintf("job %s references unknown report definition %s", job.JobID, job.ReportDefinitionID))
		log.Error("job resolution failed", zap.Error(resErr))
		p.ack(ctx, log, job, model.JobFailed)
		return "unresolved"
	}
	if err != nil {
		// Left unacknowledged; the lease expires and the job is issued again.
		log.Error("loading report definition", zap.Error(err))
		return "store_error"
	}

	report := model.NewReport(def)
	if err := p.reports.IndexReport(ctx, report); err != nil {
		log.Error("indexing report", zap.Error(err))
		return "store_error"
	}
	log = log.With(zap.String("report_id", report.ID))

	res, renderErr := p.render(ctx, def, report)
	var art *model.Artifact
	if renderErr != nil {
		report.State = model.StateError
		report.ErrorText = renderErr.Error()
		report.TimeCreated = p.clock().UnixMilli()
		log.Error("report generation failed", zap.Error(renderErr))
	} else {
		report.State = model.StateCreated
		report.TimeCreated = res.TimeCreated
		report.FileName = res.FileName
		if p.storeArtifacts {
			art = &model.Artifact{Data: res.Data, ContentType: res.ContentType, FileName: res.FileName}
		}
	}

	if err := p.finish(ctx, log, report, art); err != nil {
		return "store_error"
	}

	if renderErr == nil {
		p.deliver(ctx, log, def, report, res.Data)
	}

	status := model.JobSucceeded
	if renderErr != nil {
		status = model.JobFailed
	}
	p.ack(ctx, log, job, status)

	if renderErr != nil {
		return "render_error"
	}
	log.Info("report created", zap.String("file_name", report.FileName))
	return "success"
}

// finish writes the report's final state, retrying once. When both writes fail the
// pending row is orphaned: the job stays unacknowledged and its rerun indexes a new report.
func (p *Poller) finish(ctx context.Context, log *zap.Logger, report *model.Report, art *model.Artifact) error {
	err := p.reports.UpdateReport(ctx, report, art)
	if err == nil {
		return nil
	}
	log.Warn("updating report, retrying", zap.Error(err))
	if err = p.reports.UpdateReport(ctx, report, art); err != nil {
		log.Error("report left pending", zap.String("orphan_report_id", report.ID), zap.Error(err))
		return err
	}
	return nil
}

func (p *Poller) render(ctx context.Context, def *model.ReportDefinition, report *model.Report) (*render.Result, error) {
	req, err := render.RequestFromParams(&def.ReportParams, p.clock())
	if err != nil {
		return nil, err
	}
	report.QueryURL = req.URL
	return p.renderer.Render(ctx, req)
}

func (p *Poller) deliver(ctx context.Context, log *zap.Logger, def *model.ReportDefinition, report *model.Report, data []byte) {
	if p.notifier == nil || def.Delivery == nil || def.Delivery.DeliveryType != model.DeliveryEmail {
		return
	}
	if err := p.notifier.Deliver(ctx, def.Delivery, report, data); err != nil {
		log.Warn("report delivery failed; report is still available in-app", zap.Error(err))
		return
	}
	log.Info("report delivered", zap.Int("recipients", len(def.Delivery.Recipients.To)))
}

func (p *Poller) ack(ctx context.Context, log *zap.Logger, job *model.ScheduledJob, status model.JobStatus) {
	if err := p.jobs.Acknowledge(ctx, job, status); err != nil {
		log.Warn("acknowledging job", zap.Error(err), zap.String("status", string(status)))
	}
}
