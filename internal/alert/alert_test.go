package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"arbatch/internal/batch/scheduler"
	"arbatch/internal/eventbus"
	logx "arbatch/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestAlerts(t *testing.T, bus eventbus.Bus, ratePerSec int) (*Service, *fakeSender) {
	t.Helper()
	fake := &fakeSender{}
	s := &Service{
		cfg:     Config{Enabled: true, ChatID: 1},
		log:     logx.Nop(),
		bus:     bus,
		bot:     fake,
		limiter: newLimiter(ratePerSec),
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, fake
}

func waitMessages(t *testing.T, fake *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs := fake.messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d messages, want %d", len(msgs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAlertOnJobFailed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s, fake := newTestAlerts(t, bus, 100)
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: scheduler.EventFailed, Data: scheduler.JobEvent{
		ID: "j1", Type: "data_export", Processed: 4, Failed: 1, Total: 5,
		Error: "export dir unwritable",
	}})

	msgs := waitMessages(t, fake, 1)
	if !strings.Contains(msgs[0], "data_export") || !strings.Contains(msgs[0], "export dir unwritable") {
		t.Fatalf("alert text = %q", msgs[0])
	}
}

func TestAlertIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s, fake := newTestAlerts(t, bus, 100)
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: scheduler.EventCompleted, Data: scheduler.JobEvent{ID: "j1"}})
	bus.Publish(eventbus.Event{Type: scheduler.EventFailed, Data: scheduler.JobEvent{ID: "j2", Type: "x", Error: "boom"}})

	msgs := waitMessages(t, fake, 1)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "j2") {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestAlertRateLimit(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s, fake := newTestAlerts(t, bus, 1)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: scheduler.EventFailed, Data: scheduler.JobEvent{ID: "j", Type: "x", Error: "boom"}})
	}
	waitMessages(t, fake, 1)
	time.Sleep(50 * time.Millisecond)
	if n := len(fake.messages()); n > 2 {
		t.Fatalf("rate limit let %d messages through", n)
	}
}

func TestDisabledAlertsAreInert(t *testing.T) {
	t.Parallel()
	s, err := New(Config{}, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start(context.Background())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewValidatesEnabledConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Enabled: true}, logx.Nop(), eventbus.New()); err == nil {
		t.Fatal("expected error for missing token")
	}
	if _, err := New(Config{Enabled: true, Token: "t"}, logx.Nop(), eventbus.New()); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}
