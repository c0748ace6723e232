package mailer

import (
	"context"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/pkg/config"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// Message is a transactional email.
type Message struct {
	ToName   string
	ToEmail  string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mailer delivers transactional messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// New selects the provider from config. Without an API key the console
// mailer is used, which only logs messages.
func New(cfg config.MailerConfig, logger *zap.Logger) Mailer {
	if cfg.Provider == "sendgrid" && cfg.APIKey != "" {
		return NewSendgrid(cfg, logger)
	}
	return NewConsole(logger)
}

// Sendgrid delivers mail through the SendGrid v3 API.
type Sendgrid struct {
	key    string
	from   *sgmail.Email
	logger *zap.Logger
}

// NewSendgrid builds the SendGrid-backed mailer.
func NewSendgrid(cfg config.MailerConfig, logger *zap.Logger) *Sendgrid {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sendgrid{
		key:    cfg.APIKey,
		from:   sgmail.NewEmail(cfg.FromName, cfg.FromEmail),
		logger: logger,
	}
}

// Send posts the message to the SendGrid mail endpoint.
func (s *Sendgrid) Send(ctx context.Context, msg Message) error {
	p := sgmail.NewPersonalization()
	p.Subject = msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.ToEmail))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	if msg.TextBody != "" {
		m.AddContent(sgmail.NewContent("text/plain", msg.TextBody))
	}
	if msg.HTMLBody != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTMLBody))
	}

	req := sendgrid.GetRequest(s.key, sendgridEndpoint, sendgridHost)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m)

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "send email")
	}
	if res.StatusCode >= http.StatusBadRequest {
		s.logger.Error("sendgrid rejected message",
			zap.Int("status", res.StatusCode),
			zap.String("body", res.Body),
		)
		return appErrors.Clone(appErrors.ErrInternal, "mail provider rejected message")
	}
	return nil
}

// Console logs messages instead of delivering them. Used in development
// and whenever no provider key is configured.
type Console struct {
	logger *zap.Logger
}

// NewConsole builds the logging mailer.
func NewConsole(logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{logger: logger}
}

// Send writes the message to the log.
func (c *Console) Send(_ context.Context, msg Message) error {
	c.logger.Info("outbound email",
		zap.String("to", msg.ToEmail),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.TextBody),
	)
	return nil
}
