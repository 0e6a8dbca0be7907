package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fielddiag/internal/models"
	"fielddiag/internal/notify"
	"fielddiag/internal/store/storetest"
)

type flakySender struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakySender) SendSMS(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("carrier unavailable")
	}
	return nil
}

func (f *flakySender) SendEmail(ctx context.Context, to, subject, body string) error {
	return f.SendSMS(ctx, to, body)
}

func TestRetryJobRedeliversFailedIntents(t *testing.T) {
	st, _ := storetest.New(t)
	sender := &flakySender{fails: 1}
	d := notify.NewDispatcher(st, sender)
	n, err := d.Send(context.Background(), notify.SendInput{Type: models.NotificationSMS, Recipient: "+15550001111", Message: "alert"})
	if err != nil || n.Status != models.DeliveryFailed {
		t.Fatalf("expected failed first attempt: %+v err=%v", n, err)
	}

	job := NewRetryJob(st, d, RetryConfig{MaxAttempts: 3})
	stats, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Scanned != 1 || stats.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	got, err := d.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.DeliverySent || got.RetryCount != 1 {
		t.Fatalf("unexpected final state: %s/%d", got.Status, got.RetryCount)
	}

	stats, err = job.RunOnce(context.Background())
	if err != nil || stats.Scanned != 0 {
		t.Fatalf("sent intents must not be retried: %+v err=%v", stats, err)
	}
}

func TestRetryJobStopsAtMaxAttempts(t *testing.T) {
	st, _ := storetest.New(t)
	sender := &flakySender{fails: 100}
	d := notify.NewDispatcher(st, sender)
	n, err := d.Send(context.Background(), notify.SendInput{Type: models.NotificationSMS, Recipient: "+15550002222", Message: "alert"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	job := NewRetryJob(st, d, RetryConfig{MaxAttempts: 3})
	for i := 0; i < 5; i++ {
		if _, err := job.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	got, err := d.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.DeliveryFailed || got.RetryCount != 3 {
		t.Fatalf("expected failed with 3 attempts, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestRetryJobPicksUpStalePending(t *testing.T) {
	st, _ := storetest.New(t)
	old := time.Now().UTC().Add(-time.Hour)
	if err := st.CreateNotification(context.Background(), models.Notification{
		ID: "stale-1", Type: models.NotificationSMS, Recipient: "+15550003333", Message: "alert",
		Priority: models.PriorityUrgent, Status: models.DeliveryPending, CreatedAt: old, UpdatedAt: old,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := notify.NewDispatcher(st, notify.Channels{})
	job := NewRetryJob(st, d, RetryConfig{StaleAfter: time.Minute})
	stats, err := job.RunOnce(context.Background())
	if err != nil || stats.Sent != 1 {
		t.Fatalf("expected stale pending to be sent: %+v err=%v", stats, err)
	}
}

func TestRetryJobRunStopsOnCancel(t *testing.T) {
	st, _ := storetest.New(t)
	job := NewRetryJob(st, notify.NewDispatcher(st, nil), RetryConfig{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
