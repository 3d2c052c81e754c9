// Package plugin hosts the service as a Grafana app plugin backend.
package plugin

import (
	"context"
	"fmt"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/instancemgmt"
	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	"github.com/FulgerX2007/visual-reports-app/pkg/logger"
	"github.com/FulgerX2007/visual-reports-app/pkg/render"
	"github.com/FulgerX2007/visual-reports-app/pkg/service"
)

// PluginID is the app plugin identifier.
const PluginID = "visual-reports-app"

var (
	_ backend.CallResourceHandler   = (*App)(nil)
	_ backend.CheckHealthHandler    = (*App)(nil)
	_ instancemgmt.InstanceDisposer = (*App)(nil)
)

// App is one plugin instance.
type App struct {
	svc *service.Service
}

// NewApp creates an instance. Resource routes are served without a prefix because
// Grafana already scopes them to the plugin.
func NewApp(ctx context.Context, settings backend.AppInstanceSettings) (instancemgmt.Instance, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.APIPrefix = ""

	log, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.With(zap.String("plugin_id", PluginID))

	svc, err := service.New(cfg, log, service.WithCredentials(render.CredentialChain{
		render.ContextCredentials{},
		render.GrafanaServiceToken{},
	}))
	if err != nil {
		return nil, err
	}

	// Keep the Grafana config carried by ctx for the service token, but not its lifetime.
	if err := svc.Start(context.WithoutCancel(ctx)); err != nil {
		_ = svc.Close()
		return nil, err
	}
	log.Info("plugin instance started", zap.Int64("updated", settings.Updated.UnixMilli()))
	return &App{svc: svc}, nil
}

// CallResource implements backend.CallResourceHandler
func (a *App) CallResource(ctx context.Context, req *backend.CallResourceRequest, sender backend.CallResourceResponseSender) error {
	return a.svc.Handler.CallResource(ctx, req, sender)
}

// CheckHealth reports whether the report store is reachable.
func (a *App) CheckHealth(ctx context.Context, _ *backend.CheckHealthRequest) (*backend.CheckHealthResult, error) {
	if err := a.svc.Store.Ping(ctx); err != nil {
		return &backend.CheckHealthResult{
			Status:  backend.HealthStatusError,
			Message: "report store unavailable: " + err.Error(),
		}, nil
	}
	return &backend.CheckHealthResult{Status: backend.HealthStatusOk, Message: "ok"}, nil
}

// Dispose stops the poller and releases the browser backend and store.
func (a *App) Dispose() {
	if err := a.svc.Close(); err != nil {
		a.svc.Logger.Warn("disposing plugin instance", zap.Error(err))
	}
}
