package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorhill/cronexpr"

	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
)

var validate = validator.New()

// ValidateDefinition checks a definition before it is stored. Failures are ValidationErrors.
func ValidateDefinition(def *ReportDefinition) error {
	if def == nil {
		return appErrors.Validation("report definition is required")
	}
	if err := validateParams(&def.ReportParams); err != nil {
		return err
	}
	if err := validateStruct(def.Trigger); err != nil {
		return err
	}
	if def.Trigger.TriggerType == TriggerSchedule {
		if err := validateTriggerParams(def.Trigger.TriggerParams); err != nil {
			return appErrors.Validation("trigger: %v", err)
		}
	}
	if def.Delivery != nil {
		if err := validateStruct(def.Delivery); err != nil {
			return err
		}
		if def.Delivery.DeliveryType == DeliveryEmail && len(def.Delivery.Recipients.To) == 0 {
			return appErrors.Validation("delivery: email delivery needs at least one recipient")
		}
	}
	return nil
}

// ValidateGenerateRequest checks an on-demand request. Only visual sources can be generated.
func ValidateGenerateRequest(params *ReportParams) error {
	if err := validateParams(params); err != nil {
		return err
	}
	if !params.ReportSource.IsVisual() {
		return appErrors.Validation("report source for visual report can only be one of [%s, %s]", SourceDashboard, SourceVisualization)
	}
	return nil
}

func validateParams(p *ReportParams) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	switch {
	case p.ReportSource.IsVisual():
		v, err := p.Visual()
		if err != nil {
			return appErrors.Validation("%v", err)
		}
		if err := validateStruct(v); err != nil {
			return err
		}
		if v.TimeDuration != "" {
			if _, err := ParseTimeDuration(v.TimeDuration); err != nil {
				return appErrors.Validation("time_duration: %v", err)
			}
		}
	case p.ReportSource == SourceSavedSearch:
		d, err := p.Data()
		if err != nil {
			return appErrors.Validation("%v", err)
		}
		if err := validateStruct(d); err != nil {
			return err
		}
	}
	return nil
}

func validateTriggerParams(tp *TriggerParams) error {
	if tp == nil {
		return fmt.Errorf("trigger_params are required for scheduled reports")
	}
	if err := validate.Struct(tp); err != nil {
		return err
	}
	if tp.ScheduleType == ScheduleCronBased || tp.CronExpr != "" {
		if err := ValidateCronExpression(tp.CronExpr); err != nil {
			return err
		}
	}
	if tp.Timezone != "" {
		if _, err := time.LoadLocation(tp.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", tp.Timezone)
		}
	}
	return nil
}

func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.Validation("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %q)", fe.Field(), fe.Tag(), fe.Param(), fmt.Sprint(fe.Value())))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return appErrors.Validation("%s", strings.Join(msgs, "; "))
}

// ValidateRecipientDomains validates that all recipient email addresses match the allowed domain whitelist.
// If allowedDomains is empty, all domains are allowed.
func ValidateRecipientDomains(recipients Recipients, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}

	allEmails := make([]string, 0, len(recipients.To)+len(recipients.CC)+len(recipients.BCC))
	allEmails = append(allEmails, recipients.To...)
	allEmails = append(allEmails, recipients.CC...)
	allEmails = append(allEmails, recipients.BCC...)

	for _, email := range allEmails {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}

		domain := extractDomain(email)
		if domain == "" {
			return fmt.Errorf("invalid email address format: %s", email)
		}

		if !isDomainAllowed(domain, allowedDomains) {
			return fmt.Errorf("email domain '%s' is not allowed (email: %s). Allowed domains: %v", domain, email, allowedDomains)
		}
	}

	return nil
}

// extractDomain extracts the domain part from an email address
func extractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parts[1]))
}

// isDomainAllowed supports exact matches and wildcard patterns such as "*.example.com".
func isDomainAllowed(domain string, allowedDomains []string) bool {
	domain = strings.ToLower(domain)

	for _, allowed := range allowedDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))

		if domain == allowed {
			return true
		}

		if strings.HasPrefix(allowed, "*.") {
			baseDomain := allowed[2:]
			if domain == baseDomain || strings.HasSuffix(domain, "."+baseDomain) {
				return true
			}
		}
	}

	return false
}

// ValidateCronExpression validates a cron expression format.
func ValidateCronExpression(cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}

	_, err := cronexpr.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression '%s': %v", cronExpr, err)
	}

	return nil
}
