package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/resource/httpadapter"
	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/logger"
	"github.com/FulgerX2007/visual-reports-app/pkg/metrics"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
	"github.com/FulgerX2007/visual-reports-app/pkg/render"
	"github.com/FulgerX2007/visual-reports-app/pkg/store"
)

const maxBodyBytes = 1 << 20

// Renderer produces report artifacts.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Result, error)
}

// ReportStore persists reports and definitions. *store.Store implements it.
type ReportStore interface {
	Ping(ctx context.Context) error
	IndexReport(ctx context.Context, report *model.Report) error
	CreateReport(ctx context.Context, report *model.Report, art *model.Artifact) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	GetReportArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListReports(ctx context.Context, q store.ListQuery) (int, []*model.Report, error)
	DeleteReport(ctx context.Context, id string) error
	PutDefinition(ctx context.Context, def *model.ReportDefinition) error
	GetDefinition(ctx context.Context, id string) (*model.ReportDefinition, error)
	ListDefinitions(ctx context.Context) ([]*model.ReportDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
}

// SMTPVerifier checks the configured mail server.
type SMTPVerifier interface {
	Verify(ctx context.Context) error
}

// Handler handles HTTP API requests
type Handler struct {
	cfg      *config.Config
	store    ReportStore
	renderer Renderer
	smtp     SMTPVerifier
	logger   *zap.Logger
	metrics  *metrics.Recorder
	clock    func() time.Time
	router   chi.Router
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithMetrics(m *metrics.Recorder) Option { return func(h *Handler) { h.metrics = m } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.clock = now } }

func WithSMTP(v SMTPVerifier) Option { return func(h *Handler) { h.smtp = v } }

// NewHandler creates a new API handler
func NewHandler(cfg *config.Config, st ReportStore, renderer Renderer, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		store:    st,
		renderer: renderer,
		logger:   zap.NewNop(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.Named("api")
	h.router = h.routes()
	return h
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(h.logger))
	r.Use(h.metrics.Middleware)
	r.Use(middleware.Recoverer)

	mount := func(r chi.Router) {
		r.Get("/healthz", h.handleHealth)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

		r.Post("/generateReport", h.handleGenerateReport)

		r.Get("/reports", h.handleListReports)
		r.Get("/reports/{reportId}", h.handleGetReport)
		r.Delete("/reports/{reportId}", h.handleDeleteReport)
		r.Get("/reports/{reportId}/artifact", h.handleGetArtifact)

		r.Post("/reportDefinitions", h.handleCreateDefinition)
		r.Get("/reportDefinitions", h.handleListDefinitions)
		r.Get("/reportDefinitions/{definitionId}", h.handleGetDefinition)
		r.Put("/reportDefinitions/{definitionId}", h.handleUpdateDefinition)
		r.Delete("/reportDefinitions/{definitionId}", h.handleDeleteDefinition)

		r.Post("/smtp/test", h.handleSMTPTest)
	}

	if prefix := h.cfg.APIPrefix; prefix != "" {
		r.Route(prefix, mount)
	} else {
		mount(r)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// CallResource implements backend.CallResourceHandler
func (h *Handler) CallResource(ctx context.Context, req *backend.CallResourceRequest, sender backend.CallResourceResponseSender) error {
	return httpadapter.New(h.router).CallResource(ctx, req, sender)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateRequest is the on-demand payload. Trigger and delivery are recorded on the report.
type generateRequest struct {
	ReportParams *model.ReportParams `json:"report_params"`
	Delivery     *model.Delivery     `json:"delivery,omitempty"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.Validation("invalid request body: %v", err)
	}
	return nil
}

// handleGenerateReport renders a report on demand and returns the artifact.
func (h *Handler) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body generateRequest
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, r, err)
		return
	}
	if body.ReportParams == nil {
		h.respondError(w, r, appErrors.Validation("report_params is required"))
		return
	}
	if err := model.ValidateGenerateRequest(body.ReportParams); err != nil {
		h.respondError(w, r, err)
		return
	}

	req, err := render.RequestFromParams(body.ReportParams, h.clock())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	report := &model.Report{
		ReportParams: *body.ReportParams,
		Trigger:      model.Trigger{TriggerType: model.TriggerOnDemand},
		Delivery:     body.Delivery,
		State:        model.StatePending,
		QueryURL:     req.URL,
	}

	ctx := render.WithCredential(r.Context(), render.SessionCookie(r, h.cfg.Auth.SessionCookie))
	res, renderErr := h.renderer.Render(ctx, req)
	if renderErr != nil {
		report.State = model.StateError
		report.ErrorText = renderErr.Error()
		report.TimeCreated = h.clock().UnixMilli()
		if err := h.store.IndexReport(r.Context(), report); err != nil {
			h.logger.Warn("recording failed report", zap.Error(err))
		}
		h.respondError(w, r, renderErr)
		return
	}

	report.State = model.StateCreated
	report.TimeCreated = res.TimeCreated
	report.FileName = res.FileName
	if err := h.persistCreated(r.Context(), report, res); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("report generated",
		zap.String("report_id", report.ID),
		zap.String("file_name", res.FileName),
		zap.String("format", string(req.Format)))
	respondFile(w, res.ContentType, res.FileName, res.Data)
}

// persistCreated writes the finished report and its payload in one insert.
func (h *Handler) persistCreated(ctx context.Context, report *model.Report, res *render.Result) error {
	var art *model.Artifact
	if h.cfg.Store.StoreArtifacts {
		art = &model.Artifact{Data: res.Data, ContentType: res.ContentType, FileName: res.FileName}
	}
	return h.store.CreateReport(ctx, report, art)
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := store.ListQuery{
		SortField:     r.URL.Query().Get("sortField"),
		SortDirection: r.URL.Query().Get("sortDirection"),
	}
	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			h.respondError(w, r, appErrors.Validation("size must be a non-negative integer"))
			return
		}
		q.Size = size
	}

	total, reports, err := h.store.ListReports(r.Context(), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listBody{Total: total, Data: reports})
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.GetReport(r.Context(), chi.URLParam(r, "reportId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteReport(r.Context(), chi.URLParam(r, "reportId")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := h.store.GetReportArtifact(r.Context(), chi.URLParam(r, "reportId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondFile(w, art.ContentType, art.FileName, art.Data)
}

func (h *Handler) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var def model.ReportDefinition
	if err := decodeJSON(r, &def); err != nil {
		h.respondError(w, r, err)
		return
	}
	def.ID = ""
	def.TimeCreated = 0
	h.saveDefinition(w, r, &def, http.StatusCreated)
}

func (h *Handler) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	existing, err := h.store.GetDefinition(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var def model.ReportDefinition
	if err := decodeJSON(r, &def); err != nil {
		h.respondError(w, r, err)
		return
	}
	def.ID = existing.ID
	def.TimeCreated = existing.TimeCreated
	h.saveDefinition(w, r, &def, http.StatusOK)
}

func (h *Handler) saveDefinition(w http.ResponseWriter, r *http.Request, def *model.ReportDefinition, status int) {
	if err := model.ValidateDefinition(def); err != nil {
		h.respondError(w, r, err)
		return
	}
	if def.Delivery != nil && def.Delivery.DeliveryType == model.DeliveryEmail {
		if err := model.ValidateRecipientDomains(def.Delivery.Recipients, h.cfg.SMTP.AllowedDomains); err != nil {
			h.respondError(w, r, appErrors.Validation("delivery: %v", err))
			return
		}
	}
	if err := h.store.PutDefinition(r.Context(), def); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("report definition saved",
		zap.String("report_definition_id", def.ID),
		zap.String("trigger_type", string(def.Trigger.TriggerType)))
	respondJSON(w, status, def)
}

func (h *Handler) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListDefinitions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listBody{Total: len(defs), Data: defs})
}

func (h *Handler) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetDefinition(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (h *Handler) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDefinition(r.Context(), chi.URLParam(r, "definitionId")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
	if h.smtp == nil {
		h.respondError(w, r, appErrors.Validation("SMTP delivery is not configured"))
		return
	}
	if err := h.smtp.Verify(r.Context()); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			h.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"host":    h.cfg.SMTP.Host,
			"port":    h.cfg.SMTP.Port,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Successfully connected to SMTP server",
		"host":    h.cfg.SMTP.Host,
		"port":    h.cfg.SMTP.Port,
		"tls":     h.cfg.SMTP.UseTLS,
	})
}
