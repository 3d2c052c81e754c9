// Package service assembles the store, renderer, poller and HTTP handler from configuration.
package service

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/api"
	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	"github.com/FulgerX2007/visual-reports-app/pkg/cron"
	"github.com/FulgerX2007/visual-reports-app/pkg/logger"
	"github.com/FulgerX2007/visual-reports-app/pkg/mail"
	"github.com/FulgerX2007/visual-reports-app/pkg/metrics"
	"github.com/FulgerX2007/visual-reports-app/pkg/queue"
	"github.com/FulgerX2007/visual-reports-app/pkg/render"
	"github.com/FulgerX2007/visual-reports-app/pkg/store"
	"github.com/FulgerX2007/visual-reports-app/pkg/template"
)

// Service owns every long-lived component.
type Service struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
	Store    *store.Store
	Backend  render.Backend
	Renderer *render.Renderer
	Mailer   *mail.Mailer
	Poller   *cron.Poller
	Handler  *api.Handler

	redis       *redis.Client
	redisSource *queue.RedisSource
	maintenance *robfig.Cron
}

type options struct {
	credentials render.CredentialProvider
	backend     render.Backend
}

type Option func(*options)

// WithCredentials sets how the renderer authenticates. Defaults to per-request credentials only.
func WithCredentials(p render.CredentialProvider) Option {
	return func(o *options) { o.credentials = p }
}

// WithBackend replaces the browser backend chosen by configuration.
func WithBackend(b render.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New builds the service. Close must be called even if Start is not.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (_ *Service, err error) {
	o := options{credentials: render.CredentialChain{render.ContextCredentials{}}}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{Config: cfg, Logger: log, Metrics: metrics.NewRecorder()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Store, err = store.NewStore(cfg.Store.Path,
		store.WithLogger(log),
		store.WithLeaseTTL(cfg.Scheduler.LeaseTTL))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s.Backend = o.backend
	if s.Backend == nil {
		s.Backend, err = render.NewBackend(cfg.Renderer, render.WithLogger(log))
		if err != nil {
			return nil, err
		}
	}
	renderOpts, err := render.OptionsFromConfig(cfg.Renderer)
	if err != nil {
		return nil, err
	}
	s.Renderer = render.NewRenderer(s.Backend, renderOpts,
		render.WithLogger(log),
		render.WithMetrics(s.Metrics),
		render.WithCredentials(o.credentials),
		render.WithComposer(template.NewComposer(template.NewSanitizer())))

	apiOpts := []api.Option{api.WithLogger(log), api.WithMetrics(s.Metrics)}
	pollerOpts := []cron.PollerOption{
		cron.WithInterval(cfg.Poller.Interval),
		cron.WithLogger(log),
		cron.WithMetrics(s.Metrics),
		cron.WithArtifacts(cfg.Store.StoreArtifacts),
	}

	s.Mailer = mail.NewMailer(cfg.SMTP, mail.WithLogger(log))
	if s.Mailer.Configured() {
		apiOpts = append(apiOpts, api.WithSMTP(s.Mailer))
		pollerOpts = append(pollerOpts, cron.WithNotifier(s.Mailer))
	} else {
		log.Info("SMTP not configured; email delivery disabled")
	}

	var jobs cron.JobSource = s.Store
	switch cfg.Scheduler.Source {
	case "", config.SchedulerSQLite:
	case config.SchedulerRedis:
		s.redis, err = queue.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.redisSource = queue.NewRedisSource(s.redis, cfg.Redis.Prefix,
			queue.WithLogger(log),
			queue.WithLeaseTTL(cfg.Scheduler.LeaseTTL))
		jobs = s.redisSource
	default:
		return nil, fmt.Errorf("unknown scheduler source %q", cfg.Scheduler.Source)
	}

	s.Poller = cron.NewPoller(jobs, s.Store, s.Store, s.Renderer, pollerOpts...)
	s.Handler = api.NewHandler(cfg, s.Store, s.Renderer, apiOpts...)
	return s, nil
}

// Start launches background work: the poller and, for the redis source, lease recovery.
func (s *Service) Start(ctx context.Context) error {
	if !s.Config.Poller.Enabled {
		s.Logger.Info("job poller disabled")
		return nil
	}
	if err := s.Poller.Start(ctx); err != nil {
		return err
	}
	if s.redisSource == nil {
		return nil
	}

	interval := s.Config.Scheduler.LeaseTTL / 2
	if interval <= 0 {
		interval = s.Config.Poller.Interval
	}
	adapter := logger.CronAdapter{Logger: s.Logger}
	s.maintenance = robfig.New(robfig.WithLogger(adapter), robfig.WithChain(robfig.Recover(adapter)))
	s.maintenance.Schedule(robfig.Every(interval), robfig.FuncJob(func() {
		if _, err := s.redisSource.Requeue(ctx); err != nil {
			s.Logger.Warn("requeueing expired jobs", zap.Error(err))
		}
	}))
	s.maintenance.Start()
	return nil
}

// Close stops background work and releases resources.
func (s *Service) Close() error {
	if s.maintenance != nil {
		<-s.maintenance.Stop().Done()
	}
	if s.Poller != nil {
		s.Poller.Stop()
	}

	var result *multierror.Error
	if s.Backend != nil {
		if err := s.Backend.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close renderer backend: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
