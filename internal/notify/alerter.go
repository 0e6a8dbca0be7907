package notify

import (
	"context"
	"errors"
	"fmt"
	"log"

	"fielddiag/internal/apperr"
	"fielddiag/internal/events"
	"fielddiag/internal/models"
)

type Dispatch interface {
	UrgentCounter
	Send(ctx context.Context, in SendInput) (models.Notification, error)
	Lookup(ctx context.Context, key string) (models.Notification, bool, error)
}

// ResultAlerter turns verified positive diagnostics into urgent alerts for
// the configured recipients.
type ResultAlerter struct {
	d      Dispatch
	policy UrgentPolicy
	sms    []string
	email  []string
}

func NewResultAlerter(d Dispatch, policy UrgentPolicy, smsRecipients, emailRecipients []string) *ResultAlerter {
	return &ResultAlerter{d: d, policy: policy, sms: smsRecipients, email: emailRecipients}
}

func (a *ResultAlerter) Register(bus *events.Bus) {
	bus.Subscribe(events.KindResultAvailable, a.Handle)
}

func (a *ResultAlerter) Handle(ctx context.Context, ev events.Event) {
	r := ev.Result
	if r == nil || r.Status != models.ReviewVerified || r.Result != models.ResultPositive {
		return
	}
	diagID := r.DiagnosticID
	body := fmt.Sprintf("Verified positive result for subject %s (confidence %d%%). Diagnostic %s.", r.SubjectID, r.Confidence, r.DiagnosticID)

	send := func(typ models.NotificationType, to string) {
		key := fmt.Sprintf("result:%s:%s:%s", diagID, typ, to)
		if existing, found, err := a.d.Lookup(ctx, key); err != nil {
			log.Printf("alert lookup_failed diagnostic_id=%s err=%v", diagID, err)
			return
		} else if found {
			log.Printf("alert already_queued diagnostic_id=%s notification_id=%s status=%s", diagID, existing.ID, existing.Status)
			return
		}
		if err := a.policy.Check(ctx, a.d, to); err != nil {
			if errors.Is(err, apperr.ErrRateLimited) {
				log.Printf("alert skipped reason=urgent_limit diagnostic_id=%s type=%s to=%s", diagID, typ, maskRecipient(to))
				return
			}
			log.Printf("alert policy_failed diagnostic_id=%s err=%v", diagID, err)
			return
		}
		n, err := a.d.Send(ctx, SendInput{
			DiagnosticID:   &diagID,
			Type:           typ,
			Recipient:      to,
			Subject:        "Verified positive diagnostic",
			Message:        body,
			Priority:       models.PriorityUrgent,
			IdempotencyKey: key,
		})
		if err != nil {
			log.Printf("alert send_failed diagnostic_id=%s type=%s err=%v", diagID, typ, err)
			return
		}
		log.Printf("alert queued diagnostic_id=%s notification_id=%s status=%s", diagID, n.ID, n.Status)
	}

	for _, to := range a.sms {
		send(models.NotificationSMS, to)
	}
	for _, to := range a.email {
		send(models.NotificationEmail, to)
	}
}
