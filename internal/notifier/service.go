// Package notifier turns campaign bus events into operator
// announcements posted to the configured log channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/campaign"
	"dripbot/internal/eventbus"
	rtsup "dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

var ErrStopped = errors.New("notifier stopped")

type item struct {
	target kit.ChatTarget
	text   string
}

// Service is an async pipeline: bus subscription, bounded queue,
// worker pool, and a shared rate limiter. Announcements are
// best-effort; a full queue drops rather than blocks.
type Service struct {
	mu sync.Mutex

	cfg     Config
	gw      kit.Gateway
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	queue chan item
	unsub func()
	sup   *rtsup.Supervisor
}

func New(cfg Config, gw kit.Gateway, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		gw:      gw,
		bus:     bus,
		log:     log.With(logx.String("component", "notifier")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Start is idempotent. It does nothing when the notifier is disabled
// or no channels are configured.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	if s.cfg.FirstStep.ChatID == 0 && s.cfg.Events.ChatID == 0 {
		s.log.Warn("no announcement channels configured; notifier idle")
		return
	}

	s.queue = make(chan item, s.cfg.QueueSize)
	q := s.queue

	events, unsub := s.bus.Subscribe(s.cfg.QueueSize,
		campaign.EventEnrolled,
		campaign.EventScheduled,
		campaign.EventSent,
		campaign.EventSkipped,
		campaign.EventCancelled,
		campaign.EventFinished,
	)
	s.unsub = unsub

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.sup.GoRestart("intake", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				s.intake(ev, q)
			}
		}
	}, rtsup.WithStopOnCleanExit(true))

	for i := 0; i < s.cfg.Workers; i++ {
		name := "worker." + strconv.Itoa(i)
		s.sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case it, ok := <-q:
					if !ok {
						return nil
					}
					s.deliver(c, it)
				}
			}
		}, rtsup.WithStopOnCleanExit(true))
	}

	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers))
}

// Stop halts intake and waits briefly for workers to drain.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	unsub := s.unsub
	sup := s.sup
	s.queue = nil
	s.unsub = nil
	s.sup = nil
	s.mu.Unlock()

	if q == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (s *Service) intake(ev eventbus.Event, q chan item) {
	data, ok := ev.Data.(campaign.Event)
	if !ok {
		return
	}
	text := format(data)
	if text == "" {
		return
	}
	target := s.route(data)
	if target.ChatID == 0 {
		return
	}
	select {
	case q <- item{target: target, text: text}:
	default:
		s.log.Warn("announcement dropped; queue full", logx.String("type", data.Type))
	}
}

func (s *Service) deliver(ctx context.Context, it item) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.gw.SendText(cctx, it.target, it.text, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Warn("announcement send failed",
			logx.Int64("chat_id", it.target.ChatID),
			logx.Err(err))
	}
}

// route puts enrolments and first deliveries on the first-step
// channel; everything else goes to the events channel. Each falls back
// to the other when only one is configured.
func (s *Service) route(ev campaign.Event) kit.ChatTarget {
	first := ev.Type == campaign.EventEnrolled ||
		(ev.Type == campaign.EventSent && s.cfg.OpeningStep != "" && ev.Step == s.cfg.OpeningStep)

	if first {
		if s.cfg.FirstStep.ChatID != 0 {
			return s.cfg.FirstStep
		}
		return s.cfg.Events
	}
	if s.cfg.Events.ChatID != 0 {
		return s.cfg.Events
	}
	return s.cfg.FirstStep
}

func format(ev campaign.Event) string {
	who := fmtUser(ev.UserID, ev.Username)
	switch ev.Type {
	case campaign.EventEnrolled:
		return fmt.Sprintf("🧵 Enqueued %s for %s", ev.Step, who)
	case campaign.EventSent:
		return fmt.Sprintf("📨 Sent %s to %s", ev.Step, who)
	case campaign.EventSkipped:
		return fmt.Sprintf("⚠️ Skipped %s for %s", ev.Step, who)
	case campaign.EventScheduled:
		return fmt.Sprintf("🗓️ Scheduled %s for %s at %s", ev.Step, who, ev.NextAt.UTC().Format(time.RFC3339))
	case campaign.EventCancelled:
		return fmt.Sprintf("🛑 Cancelled for %s — %s", who, ev.Reason)
	case campaign.EventFinished:
		return fmt.Sprintf("✅ Sequence finished for %s", who)
	default:
		return ""
	}
}

func fmtUser(id int64, username string) string {
	if username != "" {
		return fmt.Sprintf("@%s (%d)", username, id)
	}
	return strconv.FormatInt(id, 10)
}
