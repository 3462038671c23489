// Package notify forwards account pause and risk-escalation events to an
// operator chat on Telegram. It is strictly best-effort: a down or slow
// Telegram API never blocks the scheduler or the guard.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postpilot/internal/eventbus"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/safety"
	logx "postpilot/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
	QueueSize  int
}

// sender is the slice of telebot's Bot the service needs. Tests substitute it.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	bot     sender
	limiter *rate.Limiter

	sup      *rtsup.Supervisor
	unsub    func()
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: chat_id is required")
	}

	// Send-only: no poller, the bot never starts receiving updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	s.bot = b
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.bot != nil
	s.mu.Unlock()
	return en
}

// Start subscribes to the event bus and begins forwarding. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.bot == nil || s.sup != nil {
		s.mu.Unlock()
		return
	}

	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("pump", func(c context.Context) error {
		return s.pump(c, ch)
	})
	s.log.Info("operator notify started", logx.Int64("chat", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) pump(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return context.Canceled
			}
			text := formatEvent(ev)
			if text == "" {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			s.send(text)
		}
	}
}

func (s *Service) send(text string) {
	s.mu.Lock()
	bot := s.bot
	chatID := s.cfg.ChatID
	s.mu.Unlock()
	if bot == nil {
		return
	}
	_, err := bot.Send(&tele.Chat{ID: chatID}, text, tele.ModeHTML)
	if err != nil {
		s.log.Warn("operator notify send failed", logx.Any("err", err))
	}
}

// formatEvent renders the events operators care about. Everything else is
// ignored (job lifecycle noise stays on the bus for other subscribers).
func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeAccountPaused:
		p, ok := ev.Data.(safety.PauseEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf(
			"⏸ <b>Account paused</b>\nAccount: <code>%s</code>\nReason: %s\nRisk: %s\nUntil: %s",
			p.AccountID, p.Reason, p.Risk, p.Until.Format(time.RFC3339),
		)
	case eventbus.TypeAccountRisk:
		r, ok := ev.Data.(safety.RiskEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf(
			"⚠️ <b>Risk escalated</b>\nAccount: <code>%s</code>\nRisk: %s\nCause: %s",
			r.AccountID, r.Risk, r.Cause,
		)
	default:
		return ""
	}
}
