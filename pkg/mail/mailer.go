package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	appErrors "github.com/FulgerX2007/visual-reports-app/pkg/errors"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

const (
	defaultSubject = "Report: {{report_name}}"
	defaultBody    = "Your report {{report_name}} generated at {{time_created}} is attached ({{file_name}})."
)

// Dialer opens an SMTP connection. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// Mailer sends generated reports as attachments.
type Mailer struct {
	cfg    config.SMTPConfig
	dialer Dialer
	logger *zap.Logger
}

type Option func(*Mailer)

func WithLogger(l *zap.Logger) Option { return func(m *Mailer) { m.logger = l } }

// WithDialer replaces the SMTP dialer.
func WithDialer(d Dialer) Option { return func(m *Mailer) { m.dialer = d } }

func NewMailer(cfg config.SMTPConfig, opts ...Option) *Mailer {
	m := &Mailer{cfg: cfg, logger: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	if m.dialer == nil {
		m.dialer = newDialer(cfg)
	}
	m.logger = m.logger.Named("mail")
	return m
}

func newDialer(cfg config.SMTPConfig) *gomail.Dialer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.UseTLS {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	} else {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		d.SSL = false
	}
	return d
}

// Configured reports whether an SMTP host and sender are set.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

// Verify dials the SMTP server and closes the connection.
func (m *Mailer) Verify(ctx context.Context) error {
	if err := m.checkConfig(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	closer, err := m.dialer.Dial()
	if err != nil {
		return fmt.Errorf("connect to SMTP server %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}
	return closer.Close()
}

// Deliver sends report to the delivery's recipients using its subject and body templates.
func (m *Mailer) Deliver(ctx context.Context, delivery *model.Delivery, report *model.Report, data []byte) error {
	if delivery == nil || delivery.DeliveryType != model.DeliveryEmail {
		return nil
	}
	subject := delivery.Subject
	if subject == "" {
		subject = defaultSubject
	}
	body := delivery.Body
	if body == "" {
		body = defaultBody
	}
	return m.SendReport(ctx, delivery.Recipients,
		InterpolateTemplate(subject, report),
		InterpolateTemplate(body, report),
		data, report.FileName)
}

// SendReport mails data as an attachment named filename.
func (m *Mailer) SendReport(ctx context.Context, to model.Recipients, subject, body string, data []byte, filename string) error {
	if err := m.checkConfig(); err != nil {
		return err
	}
	if len(to.To) == 0 {
		return appErrors.Validation("no email recipients")
	}
	if err := model.ValidateRecipientDomains(to, m.cfg.AllowedDomains); err != nil {
		return appErrors.Validation("%v", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to.To...)
	if len(to.CC) > 0 {
		msg.SetHeader("Cc", to.CC...)
	}
	if len(to.BCC) > 0 {
		msg.SetHeader("Bcc", to.BCC...)
	}
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if len(data) > 0 && filename != "" {
		msg.Attach(filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}

	sc, err := m.dialer.Dial()
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	defer sc.Close()

	if err := gomail.Send(sc, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	m.logger.Info("report emailed",
		zap.Strings("to", to.To),
		zap.String("file_name", filename),
		zap.Int("bytes", len(data)))
	return nil
}

func (m *Mailer) checkConfig() error {
	switch {
	case m.cfg.Host == "":
		return appErrors.Validation("SMTP host is required")
	case m.cfg.Port == 0:
		return appErrors.Validation("SMTP port is required")
	case m.cfg.From == "":
		return appErrors.Validation("From address is required")
	}
	return nil
}

// InterpolateTemplate replaces {{report_name}}, {{time_created}} and {{file_name}} in tmpl.
func InterpolateTemplate(tmpl string, report *model.Report) string {
	created := ""
	if report.TimeCreated > 0 {
		created = time.UnixMilli(report.TimeCreated).UTC().Format(time.RFC3339)
	}
	return strings.NewReplacer(
		"{{report_name}}", report.ReportParams.ReportName,
		"{{time_created}}", created,
		"{{file_name}}", report.FileName,
	).Replace(tmpl)
}
