package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ReportSource identifies what a definition renders.
type ReportSource string

const (
	SourceDashboard     ReportSource = "Dashboard"
	SourceVisualization ReportSource = "Visualization"
	SourceSavedSearch   ReportSource = "Saved search"
)

// IsVisual reports whether the source is captured by the headless browser.
func (s ReportSource) IsVisual() bool {
	return s == SourceDashboard || s == SourceVisualization
}

// ReportFormat is the artifact encoding.
type ReportFormat string

const (
	FormatPDF ReportFormat = "pdf"
	FormatPNG ReportFormat = "png"
	FormatCSV ReportFormat = "csv"
)

// ReportState tracks a generated report through its lifecycle.
type ReportState string

const (
	StatePending ReportState = "pending"
	StateCreated ReportState = "created"
	StateError   ReportState = "error"
)

type TriggerType string

const (
	TriggerOnDemand TriggerType = "On demand"
	TriggerSchedule TriggerType = "Schedule"
)

type ScheduleType string

const (
	ScheduleRecurring ScheduleType = "Recurring"
	ScheduleCronBased ScheduleType = "Cron based"
)

type DeliveryType string

const (
	DeliveryInApp DeliveryType = "In-app"
	DeliveryEmail DeliveryType = "Email"
)

const (
	DefaultWindowWidth  = 1200
	DefaultWindowHeight = 800
)

// ReportDefinition is a saved configuration describing what to render, when and for whom.
type ReportDefinition struct {
	ID           string       `json:"id,omitempty" db:"id"`
	ReportParams ReportParams `json:"report_params" db:"report_params"`
	Trigger      Trigger      `json:"trigger" db:"trigger"`
	Delivery     *Delivery    `json:"delivery,omitempty" db:"delivery"`
	TimeCreated  int64        `json:"time_created,omitempty" db:"time_created"`
	LastUpdated  int64        `json:"last_updated,omitempty" db:"last_updated"`
}

// ReportParams holds the identity of a report plus its source-specific parameters.
type ReportParams struct {
	ReportName   string       `json:"report_name" validate:"required,max=100"`
	ReportSource ReportSource `json:"report_source" validate:"required,oneof=Dashboard Visualization 'Saved search'"`
	Description  string       `json:"description,omitempty" validate:"max=1000"`
	CoreParams   CoreParams   `json:"core_params"`
}

// CoreParams is a tagged union: exactly one of Visual or Data is set, chosen by ReportSource.
type CoreParams struct {
	Visual *VisualReportParams
	Data   *DataReportParams
}

// VisualReportParams configures a browser capture.
type VisualReportParams struct {
	BaseURL      string       `json:"base_url" validate:"required,url"`
	ReportFormat ReportFormat `json:"report_format" validate:"required,oneof=pdf png"`
	Header       string       `json:"header,omitempty"`
	Footer       string       `json:"footer,omitempty"`
	WindowWidth  int          `json:"window_width,omitempty" validate:"omitempty,min=100,max=10000"`
	WindowHeight int          `json:"window_height,omitempty" validate:"omitempty,min=100,max=10000"`
	TimeDuration string       `json:"time_duration,omitempty"`
}

// DataReportParams configures a saved-search export.
type DataReportParams struct {
	SavedSearchID string       `json:"saved_search_id" validate:"required"`
	ReportFormat  ReportFormat `json:"report_format" validate:"required,oneof=csv"`
	TimeDuration  string       `json:"time_duration,omitempty"`
	Limit         int          `json:"limit,omitempty" validate:"omitempty,min=1,max=10000"`
}

type Trigger struct {
	TriggerType   TriggerType    `json:"trigger_type" validate:"required,oneof='On demand' Schedule"`
	TriggerParams *TriggerParams `json:"trigger_params,omitempty"`
}

type TriggerParams struct {
	ScheduleType ScheduleType `json:"schedule_type,omitempty" validate:"omitempty,oneof=Recurring 'Cron based'"`
	IntervalType string       `json:"interval_type,omitempty" validate:"omitempty,oneof=daily weekly monthly"`
	CronExpr     string       `json:"cron_expr,omitempty"`
	Timezone     string       `json:"timezone,omitempty"`
	Enabled      bool         `json:"enabled"`
}

type Delivery struct {
	DeliveryType DeliveryType `json:"delivery_type" validate:"required,oneof=In-app Email"`
	Recipients   Recipients   `json:"recipients"`
	Subject      string       `json:"subject,omitempty"`
	Body         string       `json:"body,omitempty"`
}

// Recipients holds email recipient information
type Recipients struct {
	To  []string `json:"to" validate:"dive,email"`
	CC  []string `json:"cc,omitempty" validate:"dive,email"`
	BCC []string `json:"bcc,omitempty" validate:"dive,email"`
}

// Report is the stored record of one generation attempt. The artifact bytes live beside it.
type Report struct {
	ID                 string       `json:"id" db:"id"`
	ReportDefinitionID string       `json:"report_definition_id,omitempty" db:"report_definition_id"`
	ReportParams       ReportParams `json:"report_params" db:"report_params"`
	Trigger            Trigger      `json:"trigger" db:"trigger"`
	Delivery           *Delivery    `json:"delivery,omitempty" db:"delivery"`
	TimeCreated        int64        `json:"time_created" db:"time_created"`
	State              ReportState  `json:"state" db:"state"`
	FileName           string       `json:"file_name,omitempty" db:"file_name"`
	QueryURL           string       `json:"query_url,omitempty" db:"query_url"`
	ErrorText          string       `json:"error_text,omitempty" db:"error_text"`
}

// Artifact is the captured payload stored beside a report.
type Artifact struct {
	Data        []byte `json:"-" db:"artifact"`
	ContentType string `json:"content_type" db:"content_type"`
	FileName    string `json:"file_name" db:"file_name"`
}

// NewReport starts a pending report carrying the definition's fields.
func NewReport(def *ReportDefinition) *Report {
	return &Report{
		ReportDefinitionID: def.ID,
		ReportParams:       def.ReportParams,
		Trigger:            def.Trigger,
		Delivery:           def.Delivery,
		State:              StatePending,
	}
}

// ScheduledJob is a unit of work issued by a job source.
type ScheduledJob struct {
	JobID              string    `json:"job_id"`
	ReportDefinitionID string    `json:"report_definition_id"`
	ScheduledAt        time.Time `json:"scheduled_at"`
	// Receipt is the source-specific token used to acknowledge this delivery.
	Receipt string `json:"-"`
}

// JobStatus is the outcome recorded when a job is acknowledged.
type JobStatus string

const (
	JobSucceeded JobStatus = "success"
	JobFailed    JobStatus = "failed"
)

// Visual returns the visual variant, failing when the tag says otherwise.
func (p *ReportParams) Visual() (*VisualReportParams, error) {
	if !p.ReportSource.IsVisual() {
		return nil, fmt.Errorf("report source %q is not a visual report", p.ReportSource)
	}
	if p.CoreParams.Visual == nil {
		return nil, fmt.Errorf("visual report parameters are missing")
	}
	return p.CoreParams.Visual, nil
}

// Data returns the data variant, failing when the tag says otherwise.
func (p *ReportParams) Data() (*DataReportParams, error) {
	if p.ReportSource != SourceSavedSearch {
		return nil, fmt.Errorf("report source %q is not a data report", p.ReportSource)
	}
	if p.CoreParams.Data == nil {
		return nil, fmt.Errorf("data report parameters are missing")
	}
	return p.CoreParams.Data, nil
}

// UnmarshalJSON decodes core_params into the variant selected by report_source.
// Payloads without core_params are read in the flat form where the visual fields sit
// directly on report_params and the target may be given as "url".
func (p *ReportParams) UnmarshalJSON(data []byte) error {
	var raw struct {
		ReportName   string          `json:"report_name"`
		ReportSource ReportSource    `json:"report_source"`
		Description  string          `json:"description"`
		CoreParams   json.RawMessage `json:"core_params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ReportName = raw.ReportName
	p.ReportSource = raw.ReportSource
	p.Description = raw.Description
	p.CoreParams = CoreParams{}

	body := []byte(raw.CoreParams)
	flat := len(body) == 0 || string(body) == "null"
	if flat {
		body = data
	}

	switch {
	case raw.ReportSource.IsVisual():
		var v VisualReportParams
		if err := json.Unmarshal(body, &v); err != nil {
			return fmt.Errorf("core_params: %w", err)
		}
		if flat && v.BaseURL == "" {
			var legacy struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(body, &legacy)
			v.BaseURL = legacy.URL
		}
		p.CoreParams.Visual = &v
	case raw.ReportSource == SourceSavedSearch:
		var d DataReportParams
		if err := json.Unmarshal(body, &d); err != nil {
			return fmt.Errorf("core_params: %w", err)
		}
		p.CoreParams.Data = &d
	}
	return nil
}

// MarshalJSON emits whichever variant is set.
func (c CoreParams) MarshalJSON() ([]byte, error) {
	switch {
	case c.Visual != nil:
		return json.Marshal(c.Visual)
	case c.Data != nil:
		return json.Marshal(c.Data)
	default:
		return []byte("null"), nil
	}
}

// Dimensions returns the viewport size, applying defaults.
func (v *VisualReportParams) Dimensions() (int, int) {
	w, h := v.WindowWidth, v.WindowHeight
	if w <= 0 {
		w = DefaultWindowWidth
	}
	if h <= 0 {
		h = DefaultWindowHeight
	}
	return w, h
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Scan implements sql.Scanner for ReportParams
func (p *ReportParams) Scan(value interface{}) error {
	return scanJSON(value, p)
}

// Value implements driver.Valuer for ReportParams
func (p ReportParams) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// Scan implements sql.Scanner for Trigger
func (t *Trigger) Scan(value interface{}) error {
	return scanJSON(value, t)
}

// Value implements driver.Valuer for Trigger
func (t Trigger) Value() (driver.Value, error) {
	b, err := json.Marshal(t)
	return string(b), err
}

// Scan implements sql.Scanner for Delivery
func (d *Delivery) Scan(value interface{}) error {
	return scanJSON(value, d)
}

// Value implements driver.Valuer for Delivery
func (d Delivery) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	return string(b), err
}
