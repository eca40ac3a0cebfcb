// Package alert turns job.failed events into Telegram notifications for
// operators. Delivery is best-effort: alerts are rate-limited and dropped
// rather than queued, since the durable record lives in the job store.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"arbatch/internal/batch/scheduler"
	"arbatch/internal/eventbus"
	rtsup "arbatch/internal/runtime/supervisor"
	logx "arbatch/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

// sender is the slice of *tele.Bot the service uses; tests substitute it.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service subscribes to the event bus and forwards job failures to a chat.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot     sender
	limiter *rate.Limiter

	sup     *rtsup.Supervisor
	unsub   func()
	running bool
}

// New builds the alert service. A disabled config yields an inert service so
// callers never need to nil-check.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log.With(logx.String("comp", "alert")), bus: bus}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat_id is required")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("alert: %w", err)
	}
	s.bot = bot
	s.limiter = newLimiter(cfg.RatePerSec)
	return s, nil
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.bot == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.running = true
	s.sup.Go0("alert.consume", func(ctx context.Context) { s.consume(ctx, ch) })
	s.log.Info("failure alerting enabled", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	unsub := s.unsub
	sup := s.sup
	s.unsub = nil
	s.sup = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return sup.Stop(ctx)
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != scheduler.EventFailed {
				continue
			}
			s.notify(e)
		}
	}
}

func (s *Service) notify(e eventbus.Event) {
	je, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		s.log.Debug("alert suppressed (rate limited)", logx.String("job", je.ID))
		return
	}
	text := fmt.Sprintf("batch job failed\ntype: %s\njob: %s\nitems: %d/%d processed, %d failed\nerror: %s",
		je.Type, je.ID, je.Processed, je.Total, je.Failed, je.Error)
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert send failed", logx.String("job", je.ID), logx.Err(err))
	}
}
