package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/safety"
	logx "postpilot/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	ready chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{ready: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, what.(string))
	if chat, ok := to.(*tele.Chat); ok {
		f.chats = append(f.chats, chat.ID)
	}
	f.mu.Unlock()
	f.ready <- struct{}{}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func testService(t *testing.T, bus eventbus.Bus) (*Service, *fakeSender) {
	t.Helper()
	fake := newFakeSender()
	s := &Service{
		cfg:     Config{Enabled: true, ChatID: 42, RatePerSec: 100, QueueSize: 16},
		log:     logx.Nop(),
		bus:     bus,
		bot:     fake,
		limiter: rate.NewLimiter(rate.Limit(100), 100),
	}
	return s, fake
}

func TestNewDisabledNeedsNoToken(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: false}, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Enabled() {
		t.Fatal("disabled service reports enabled")
	}
}

func TestNewEnabledRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Enabled: true, ChatID: 42}, logx.Nop(), eventbus.New()); err == nil {
		t.Fatal("expected error for missing token")
	}
	if _, err := New(Config{Enabled: true, Token: "x"}, logx.Nop(), eventbus.New()); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}

func TestPumpForwardsPauseAndFiltersNoise(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s, fake := testService(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Data: "ignored"})
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeAccountPaused,
		Data: safety.PauseEvent{
			AccountID: "acc-1",
			Reason:    "consecutive errors",
			Risk:      "CRITICAL",
			Until:     time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
		},
	})

	select {
	case <-fake.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
	}

	msgs := fake.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "acc-1") || !strings.Contains(msgs[0], "consecutive errors") {
		t.Fatalf("message = %q", msgs[0])
	}
	if fake.chats[0] != 42 {
		t.Fatalf("chat = %d, want 42", fake.chats[0])
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   eventbus.Event
		want []string
	}{
		{
			name: "pause",
			ev: eventbus.Event{
				Type: eventbus.TypeAccountPaused,
				Data: safety.PauseEvent{AccountID: "a", Reason: "rate limit violations", Risk: "HIGH", Until: time.Now()},
			},
			want: []string{"Account paused", "rate limit violations", "HIGH"},
		},
		{
			name: "risk",
			ev: eventbus.Event{
				Type: eventbus.TypeAccountRisk,
				Data: safety.RiskEvent{AccountID: "a", Risk: "MEDIUM", Cause: "errors"},
			},
			want: []string{"Risk escalated", "MEDIUM", "errors"},
		},
		{
			name: "wrong payload type",
			ev:   eventbus.Event{Type: eventbus.TypeAccountPaused, Data: "not a pause"},
		},
		{
			name: "job event",
			ev:   eventbus.Event{Type: eventbus.TypeJobFailed, Data: nil},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := formatEvent(tc.ev)
			if len(tc.want) == 0 {
				if got != "" {
					t.Fatalf("formatEvent = %q, want empty", got)
				}
				return
			}
			for _, frag := range tc.want {
				if !strings.Contains(got, frag) {
					t.Fatalf("formatEvent = %q, missing %q", got, frag)
				}
			}
		})
	}
}
