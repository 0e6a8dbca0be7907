package notify

import (
	"context"
	"log"
	"net/http"
	"time"

	"fielddiag/internal/config"
)

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Sender is the outbound transport capability the dispatcher delivers through.
type Sender interface {
	SMSSender
	EmailSender
}

// Channels joins one sender per transport. A nil channel accepts every message
// without doing anything.
type Channels struct {
	SMS   SMSSender
	Email EmailSender
}

func (c Channels) SendSMS(ctx context.Context, to, body string) error {
	if c.SMS == nil {
		return nil
	}
	return c.SMS.SendSMS(ctx, to, body)
}

func (c Channels) SendEmail(ctx context.Context, to, subject, body string) error {
	if c.Email == nil {
		return nil
	}
	return c.Email.SendEmail(ctx, to, subject, body)
}

// LogSender stands in for transports without credentials. Calls succeed and
// only a log line is written.
type LogSender struct{}

func (LogSender) SendSMS(ctx context.Context, to, body string) error {
	log.Printf("notify sms channel=log to=%s chars=%d", maskRecipient(to), len(body))
	return nil
}

func (LogSender) SendEmail(ctx context.Context, to, subject, body string) error {
	log.Printf("notify email channel=log to=%s subject=%q chars=%d", maskRecipient(to), subject, len(body))
	return nil
}

// NewSender picks a live transport per channel when configured, LogSender otherwise.
func NewSender(cfg config.Config) Channels {
	ch := Channels{SMS: LogSender{}, Email: LogSender{}}
	if cfg.SMSConfigured() {
		ch.SMS = &TwilioSender{
			baseURL:    cfg.SMSAPIBase,
			accountSID: cfg.SMSAccountSID,
			authToken:  cfg.SMSAuthToken,
			from:       cfg.SMSFrom,
			client:     &http.Client{Timeout: cfg.SenderTimeout + 2*time.Second},
		}
	}
	if cfg.EmailConfigured() {
		ch.Email = &SMTPSender{
			host:               cfg.SMTPHost,
			port:               cfg.SMTPPort,
			username:           cfg.SMTPUsername,
			password:           cfg.SMTPPassword,
			startTLS:           cfg.SMTPStartTLS,
			insecureSkipVerify: cfg.SMTPInsecureSkipVerify,
			from:               cfg.EmailFrom,
		}
	}
	return ch
}

func maskRecipient(r string) string {
	if len(r) <= 4 {
		return "****"
	}
	return "****" + r[len(r)-4:]
}
