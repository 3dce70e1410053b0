package email

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

// AlertConfig holds the operator alert mail settings.
type AlertConfig struct {
	SendGridAPIKey string
	FromEmail      string
	FromName       string
	Recipients     []string
	// MinInterval suppresses repeats of the same subject inside the interval.
	MinInterval time.Duration
}

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// AlertService mails operator alerts through SendGrid.
type AlertService struct {
	config *AlertConfig
	client mailSender
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

var _ ports.Alerter = (*AlertService)(nil)

func NewAlertService(config *AlertConfig, logger *logrus.Logger) (*AlertService, error) {
	if config.SendGridAPIKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if len(config.Recipients) == 0 {
		return nil, fmt.Errorf("at least one alert recipient is required")
	}
	return newAlertService(config, sendgrid.NewSendClient(config.SendGridAPIKey), logger), nil
}

func newAlertService(config *AlertConfig, client mailSender, logger *logrus.Logger) *AlertService {
	return &AlertService{
		config:   config,
		client:   client,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Alert sends one message to every recipient unless the same subject was sent within
// MinInterval.
func (s *AlertService) Alert(ctx context.Context, subject, body string) error {
	if s.suppressed(subject) {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"subject": subject}).Debug("alert suppressed; sent recently")
		}
		return nil
	}

	from := mail.NewEmail(s.config.FromName, s.config.FromEmail)
	p := mail.NewPersonalization()
	for _, r := range s.config.Recipients {
		p.AddTos(mail.NewEmail("", r))
	}
	msg := mail.NewV3Mail()
	msg.SetFrom(from)
	msg.Subject = subject
	msg.AddPersonalizations(p)
	msg.AddContent(
		mail.NewContent("text/plain", body),
		mail.NewContent("text/html", "<pre>"+html.EscapeString(body)+"</pre>"),
	)

	response, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		s.forget(subject)
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"subject": subject}).WithError(err).Error("Failed to send alert")
		}
		return fmt.Errorf("failed to send alert: %w", err)
	}
	if response.StatusCode >= 300 {
		s.forget(subject)
		return fmt.Errorf("failed to send alert: sendgrid returned %d: %s", response.StatusCode, strings.TrimSpace(response.Body))
	}
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"subject":     subject,
			"recipients":  len(s.config.Recipients),
			"status_code": response.StatusCode,
		}).Info("Alert sent")
	}
	return nil
}

func (s *AlertService) suppressed(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.lastSent[subject]; ok && s.config.MinInterval > 0 && now.Sub(last) < s.config.MinInterval {
		return true
	}
	s.lastSent[subject] = now
	return false
}

func (s *AlertService) forget(subject string) {
	s.mu.Lock()
	delete(s.lastSent, subject)
	s.mu.Unlock()
}

// LogAlerter writes alerts to the log. Used when no mail provider is configured.
type LogAlerter struct {
	logger *logrus.Logger
}

var _ ports.Alerter = (*LogAlerter)(nil)

func NewLogAlerter(logger *logrus.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(_ context.Context, subject, body string) error {
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{"subject": subject, "alert": true}).Error(body)
	}
	return nil
}
