package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/firetime"
	"github.com/djlord-it/easy-mail/internal/mail"
	"github.com/djlord-it/easy-mail/internal/scheduler"
	"github.com/djlord-it/easy-mail/internal/store/sqlite"
	"github.com/djlord-it/easy-mail/internal/testutil"
	"github.com/djlord-it/easy-mail/internal/transport/channel"
)

const fromAddress = "scheduler@example.com"

// countingSender records every message and fails for the configured recipients.
type countingSender struct {
	mu     sync.Mutex
	sent   map[string]int
	sentAt map[string]time.Time
	failTo map[string]bool
}

func newCountingSender(failTo ...string) *countingSender {
	s := &countingSender{
		sent:   make(map[string]int),
		sentAt: make(map[string]time.Time),
		failTo: make(map[string]bool),
	}
	for _, to := range failTo {
		s.failTo[to] = true
	}
	return s
}

func (s *countingSender) Send(ctx context.Context, msg mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTo[msg.To] {
		return errors.New("550 mailbox unavailable")
	}
	if msg.From != fromAddress {
		return errors.New("unexpected sender " + msg.From)
	}
	s.sent[msg.To]++
	if _, ok := s.sentAt[msg.To]; !ok {
		s.sentAt[msg.To] = time.Now()
	}
	return nil
}

func (s *countingSender) count(to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[to]
}

func (s *countingSender) firstSentAt(to string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentAt[to]
}

func (s *countingSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sent {
		n += c
	}
	return n
}

// service is one running process: store, bus, scheduler and dispatcher.
type service struct {
	store *sqlite.Store
	sched *scheduler.Scheduler
	stop  func()
}

func startService(t *testing.T, path string, sender mail.Sender, config scheduler.Config) *service {
	t.Helper()

	store, err := sqlite.Open(context.Background(), path, 5*time.Second)
	require.NoError(t, err)

	bus := channel.NewEventBus(16)
	sched := scheduler.New(config, store, bus)
	disp := dispatcher.New(store, dispatcher.NewEmailAction(sender, fromAddress)).
		WithWorkers(2).
		WithDrainTimeout(2 * time.Second)

	schedCtx, cancelSched := context.WithCancel(context.Background())
	dispCtx, cancelDisp := context.WithCancel(context.Background())

	var schedWg, dispWg sync.WaitGroup
	dispWg.Add(1)
	go func() {
		defer dispWg.Done()
		disp.Run(dispCtx, bus.Channel())
	}()
	schedWg.Add(1)
	go func() {
		defer schedWg.Done()
		_ = sched.Run(schedCtx)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancelSched()
			schedWg.Wait()
			cancelDisp()
			dispWg.Wait()
			_ = store.Close()
		})
	}
	t.Cleanup(stop)

	return &service{store: store, sched: sched, stop: stop}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDelivery_FiresOnceAtOrAfterFireInstant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easymail.db")
	mailer := newCountingSender()
	svc := startService(t, path, mailer, scheduler.DefaultConfig())
	ctx := testutil.TestContext(t)

	fireAt := time.Now().Add(200 * time.Millisecond)
	job, trigger := testutil.NewEmailJob("alice@example.com", fireAt)
	require.NoError(t, svc.sched.Schedule(ctx, job, trigger))

	waitFor(t, "delivery", func() bool { return mailer.count("alice@example.com") == 1 })
	assert.False(t, mailer.firstSentAt("alice@example.com").Before(fireAt), "delivered before the fire instant")

	// Nothing fires twice.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, mailer.count("alice@example.com"))
	assert.Equal(t, 0, svc.sched.Pending())

	got, err := svc.store.GetTrigger(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerStateFired, got.State)
	require.NotNil(t, got.FiredAt)
	assert.False(t, got.FiredAt.Before(got.FireAt))

	waitFor(t, "delivery attempt", func() bool {
		attempts, err := svc.store.ListDeliveryAttempts(ctx, job.ID)
		return err == nil && len(attempts) == 1 && attempts[0].Succeeded()
	})
}

func TestDelivery_SameInstantTriggersBothFireOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easymail.db")
	mailer := newCountingSender()
	svc := startService(t, path, mailer, scheduler.DefaultConfig())
	ctx := testutil.TestContext(t)

	fireAt := time.Now().Add(150 * time.Millisecond)
	jobA, trigA := testutil.NewEmailJob("a@example.com", fireAt)
	jobB, trigB := testutil.NewEmailJob("b@example.com", fireAt)
	require.NoError(t, svc.sched.Schedule(ctx, jobA, trigA))
	require.NoError(t, svc.sched.Schedule(ctx, jobB, trigB))

	waitFor(t, "both deliveries", func() bool { return mailer.total() == 2 })
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, mailer.count("a@example.com"))
	assert.Equal(t, 1, mailer.count("b@example.com"))
}

func TestDelivery_RestartAfterFireInstantFiresOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easymail.db")
	ctx := testutil.TestContext(t)

	// A job accepted by an earlier process that stopped before its fire instant.
	store, err := sqlite.Open(ctx, path, 5*time.Second)
	require.NoError(t, err)
	job, trigger := testutil.NewEmailJob("late@example.com", time.Now().Add(-2*time.Minute))
	require.NoError(t, store.InsertJob(ctx, job, trigger))
	require.NoError(t, store.Close())

	mailer := newCountingSender()
	svc := startService(t, path, mailer, scheduler.DefaultConfig())

	waitFor(t, "recovered delivery", func() bool { return mailer.count("late@example.com") == 1 })

	got, err := svc.store.GetTrigger(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerStateMisfired, got.State, "fired two minutes late")
	svc.stop()

	// A second restart must not send it again.
	svc = startService(t, path, mailer, scheduler.DefaultConfig())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, svc.sched.Pending())
	assert.Equal(t, 1, mailer.count("late@example.com"))
}

func TestDelivery_MailFailureDoesNotStopLaterTriggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easymail.db")
	mailer := newCountingSender("bounce@example.com")
	svc := startService(t, path, mailer, scheduler.DefaultConfig())
	ctx := testutil.TestContext(t)

	now := time.Now()
	failing, failingTrig := testutil.NewEmailJob("bounce@example.com", now.Add(100*time.Millisecond))
	next, nextTrig := testutil.NewEmailJob("ok@example.com", now.Add(300*time.Millisecond))
	require.NoError(t, svc.sched.Schedule(ctx, failing, failingTrig))
	require.NoError(t, svc.sched.Schedule(ctx, next, nextTrig))

	waitFor(t, "second delivery", func() bool { return mailer.count("ok@example.com") == 1 })

	// The failed trigger is terminal and was tried exactly once.
	got, err := svc.store.GetTrigger(ctx, failing.ID)
	require.NoError(t, err)
	assert.True(t, got.State.Terminal())

	attempts, err := svc.store.ListDeliveryAttempts(ctx, failing.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Succeeded())
	assert.Contains(t, attempts[0].Error, "550 mailbox unavailable")
	assert.Equal(t, 0, mailer.count("bounce@example.com"))
}

func TestDelivery_FarFutureTriggerStaysPendingAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easymail.db")
	ctx := testutil.TestContext(t)
	mailer := newCountingSender()

	fireAt, err := firetime.NewResolver().Resolve("2500-01-01T09:00:00", "UTC")
	require.NoError(t, err)
	job, trigger := testutil.NewEmailJob("future@example.com", fireAt)

	svc := startService(t, path, mailer, scheduler.DefaultConfig())
	require.NoError(t, svc.sched.Schedule(ctx, job, trigger))
	svc.stop()

	svc = startService(t, path, mailer, scheduler.DefaultConfig())
	waitFor(t, "recovery", func() bool { return svc.sched.Pending() == 1 })
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 0, mailer.count("future@example.com"), "sent centuries early")
	got, err := svc.store.GetTrigger(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerStateScheduled, got.State)
	assert.True(t, fireAt.Equal(got.FireAt), "fire instant %v read back as %v", fireAt, got.FireAt)
}
