package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"fielddiag/internal/apperr"
	"fielddiag/internal/ids"
	"fielddiag/internal/models"
	"fielddiag/internal/obs"
	"fielddiag/internal/store"
)

// UrgentWindow is the trailing period counted by UrgentCount.
const UrgentWindow = 24 * time.Hour

const (
	maxRecipientLen   = 320
	maxSMSLen         = 1600
	maxEmailLen       = 20000
	maxSubjectLen     = 255
	maxDetailLen      = 1000
	maxIdempotencyLen = 128
	defaultSubject    = "Diagnostic alert"
)

var (
	ErrSendTimeout = errors.New("sender timeout")

	phoneRx = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
)

type Store interface {
	CreateNotification(ctx context.Context, n models.Notification) error
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	GetNotificationByIdempotencyKey(ctx context.Context, key string) (models.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id, detail string, at time.Time) error
	CountUrgentNotificationsSince(ctx context.Context, recipient string, since time.Time) (int, error)
}

type SendInput struct {
	DiagnosticID   *string
	Type           models.NotificationType
	Recipient      string
	Subject        string
	Message        string
	Priority       models.Priority
	IdempotencyKey string
}

type Dispatcher struct {
	st      Store
	sender  Sender
	locks   Locker
	timeout time.Duration
	lockTTL time.Duration
	now     func() time.Time
}

type Option func(*Dispatcher)

func WithLocker(l Locker) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.locks = l
		}
	}
}

// WithTimeout bounds each Sender call. An attempt that outlives it is recorded as failed.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithLockTTL(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.lockTTL = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(st Store, sender Sender, opts ...Option) *Dispatcher {
	if sender == nil {
		sender = Channels{}
	}
	d := &Dispatcher{
		st:      st,
		sender:  sender,
		locks:   NewMemoryLocker(),
		timeout: 10 * time.Second,
		lockTTL: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.lockTTL < d.timeout {
		d.lockTTL = d.timeout + 5*time.Second
	}
	return d
}

// Send records a new intent and makes the first delivery attempt. A failed
// attempt is not an error: the returned intent carries status failed.
// Repeating a request with the same idempotency key returns the original intent.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) (models.Notification, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return models.Notification{}, err
	}
	if existing, found, err := d.Lookup(ctx, in.IdempotencyKey); err != nil {
		return models.Notification{}, err
	} else if found {
		return existing, nil
	}

	now := d.now().UTC()
	n := models.Notification{
		ID:           ids.New(),
		DiagnosticID: in.DiagnosticID,
		Type:         in.Type,
		Recipient:    in.Recipient,
		Subject:      in.Subject,
		Message:      in.Message,
		Priority:     in.Priority,
		Status:       models.DeliveryPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		n.IdempotencyKey = &key
	}
	if err := d.st.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, store.ErrDuplicate) && n.IdempotencyKey != nil {
			return d.st.GetNotificationByIdempotencyKey(ctx, *n.IdempotencyKey)
		}
		return models.Notification{}, err
	}
	return d.attempt(ctx, n.ID, false)
}

// Redeliver re-attempts a failed or stuck pending intent. It is the entry
// point for retry drivers.
func (d *Dispatcher) Redeliver(ctx context.Context, id string) (models.Notification, error) {
	return d.attempt(ctx, id, true)
}

// MarkDelivered records an out-of-band successful delivery. It shares the
// per-intent lock with delivery attempts; a held lock is a conflict.
func (d *Dispatcher) MarkDelivered(ctx context.Context, id string) (models.Notification, error) {
	unlock, err := d.lock(ctx, id)
	if err != nil {
		return models.Notification{}, err
	}
	defer unlock()
	if err := d.st.MarkNotificationSent(ctx, id, d.now()); err != nil {
		return models.Notification{}, mapStoreErr(err)
	}
	return d.get(ctx, id)
}

// MarkFailed records an out-of-band failed delivery attempt and bumps the retry count.
func (d *Dispatcher) MarkFailed(ctx context.Context, id, detail string) (models.Notification, error) {
	detail = truncate(strings.TrimSpace(detail), maxDetailLen)
	if detail == "" {
		detail = "delivery failed"
	}
	unlock, err := d.lock(ctx, id)
	if err != nil {
		return models.Notification{}, err
	}
	defer unlock()
	if err := d.st.MarkNotificationFailed(ctx, id, detail, d.now()); err != nil {
		return models.Notification{}, mapStoreErr(err)
	}
	return d.get(ctx, id)
}

// Lookup returns the intent recorded under an idempotency key. found is false
// when the key is blank or unknown.
func (d *Dispatcher) Lookup(ctx context.Context, key string) (n models.Notification, found bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.Notification{}, false, nil
	}
	n, err = d.st.GetNotificationByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return models.Notification{}, false, nil
	}
	if err != nil {
		return models.Notification{}, false, err
	}
	return n, true, nil
}

func (d *Dispatcher) Get(ctx context.Context, id string) (models.Notification, error) {
	return d.get(ctx, id)
}

// UrgentCount returns how many urgent intents were created for recipient in
// the trailing UrgentWindow.
func (d *Dispatcher) UrgentCount(ctx context.Context, recipient string) (int, error) {
	recipient = normalizeRecipient(recipient)
	if recipient == "" {
		return 0, fmt.Errorf("%w: recipient is required", apperr.ErrValidation)
	}
	return d.st.CountUrgentNotificationsSince(ctx, recipient, d.now().Add(-UrgentWindow))
}

func (d *Dispatcher) lock(ctx context.Context, id string) (func(), error) {
	unlock, ok, err := d.locks.TryLock(ctx, "notification:"+id, d.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: delivery already in progress", apperr.ErrConflict)
	}
	return unlock, nil
}

func (d *Dispatcher) attempt(ctx context.Context, id string, reload bool) (models.Notification, error) {
	unlock, err := d.lock(ctx, id)
	if err != nil {
		return models.Notification{}, err
	}
	defer unlock()

	n, err := d.get(ctx, id)
	if err != nil {
		return models.Notification{}, err
	}
	if n.Status == models.DeliverySent {
		if reload {
			return n, fmt.Errorf("%w: notification already sent", apperr.ErrConflict)
		}
		return n, nil
	}

	sendErr := d.deliver(ctx, n)

	// Outcome bookkeeping outlives caller cancellation.
	bctx := context.WithoutCancel(ctx)
	if sendErr == nil {
		obs.ObserveDelivery(string(n.Type), "sent")
		if err := d.st.MarkNotificationSent(bctx, n.ID, d.now()); err != nil && !errors.Is(err, store.ErrConflict) {
			log.Printf("notify mark_sent_failed id=%s err=%v", n.ID, err)
			return models.Notification{}, err
		}
	} else {
		outcome := "failed"
		if errors.Is(sendErr, ErrSendTimeout) {
			outcome = "timeout"
		}
		obs.ObserveDelivery(string(n.Type), outcome)
		log.Printf("notify delivery_failed id=%s type=%s outcome=%s retry_count=%d err=%v", n.ID, n.Type, outcome, n.RetryCount, sendErr)
		if err := d.st.MarkNotificationFailed(bctx, n.ID, truncate(sendErr.Error(), maxDetailLen), d.now()); err != nil && !errors.Is(err, store.ErrConflict) {
			log.Printf("notify mark_failed_failed id=%s err=%v", n.ID, err)
			return models.Notification{}, err
		}
	}
	return d.get(bctx, n.ID)
}

// deliver calls the Sender under the configured timeout. A Sender that ignores
// its context is abandoned once the deadline passes.
func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sender panic: %v", r)
			}
		}()
		switch n.Type {
		case models.NotificationSMS:
			done <- d.sender.SendSMS(ctx, n.Recipient, n.Message)
		case models.NotificationEmail:
			done <- d.sender.SendEmail(ctx, n.Recipient, n.Subject, n.Message)
		default:
			done <- fmt.Errorf("unsupported notification type %q", n.Type)
		}
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrSendTimeout, d.timeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrSendTimeout, d.timeout)
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) get(ctx context.Context, id string) (models.Notification, error) {
	n, err := d.st.GetNotification(ctx, id)
	if err != nil {
		return models.Notification{}, mapStoreErr(err)
	}
	return n, nil
}

func normalizeInput(in SendInput) (SendInput, error) {
	if !in.Type.Valid() {
		return in, fmt.Errorf("%w: type must be sms or email", apperr.ErrValidation)
	}
	if in.Priority == "" {
		in.Priority = models.PriorityRoutine
	}
	if !in.Priority.Valid() {
		return in, fmt.Errorf("%w: priority must be urgent or routine", apperr.ErrValidation)
	}
	in.Recipient = normalizeRecipient(in.Recipient)
	in.Message = strings.TrimSpace(in.Message)
	in.Subject = strings.TrimSpace(in.Subject)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.Recipient == "" {
		return in, fmt.Errorf("%w: recipient is required", apperr.ErrValidation)
	}
	if in.Message == "" {
		return in, fmt.Errorf("%w: message is required", apperr.ErrValidation)
	}
	if len(in.Recipient) > maxRecipientLen {
		return in, fmt.Errorf("%w: recipient too long", apperr.ErrValidation)
	}
	if len(in.IdempotencyKey) > maxIdempotencyLen {
		return in, fmt.Errorf("%w: idempotency key too long", apperr.ErrValidation)
	}
	if in.DiagnosticID != nil && strings.TrimSpace(*in.DiagnosticID) == "" {
		in.DiagnosticID = nil
	}
	switch in.Type {
	case models.NotificationSMS:
		if !phoneRx.MatchString(in.Recipient) {
			return in, fmt.Errorf("%w: sms recipient must be a phone number", apperr.ErrValidation)
		}
		if len(in.Message) > maxSMSLen {
			return in, fmt.Errorf("%w: sms message too long", apperr.ErrValidation)
		}
	case models.NotificationEmail:
		if _, err := mail.ParseAddress(in.Recipient); err != nil {
			return in, fmt.Errorf("%w: invalid email recipient", apperr.ErrValidation)
		}
		if len(in.Message) > maxEmailLen {
			return in, fmt.Errorf("%w: email message too long", apperr.ErrValidation)
		}
		if in.Subject == "" {
			in.Subject = defaultSubject
		}
		if len(in.Subject) > maxSubjectLen {
			return in, fmt.Errorf("%w: subject too long", apperr.ErrValidation)
		}
	}
	return in, nil
}

func normalizeRecipient(r string) string {
	r = strings.TrimSpace(r)
	if strings.Contains(r, "@") {
		return strings.ToLower(r)
	}
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(r)
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: notification not found", apperr.ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: notification already sent", apperr.ErrConflict)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
