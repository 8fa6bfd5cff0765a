package campaign

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"dripbot/internal/eventbus"
	"dripbot/internal/sequence"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Scheduler walks enrolled users through the step sequence. Each tick
// it scans the queue for due entries, re-validates eligibility, hands
// the step to the delivery pipeline, and applies the resulting state
// change. One user's failure never stops the scan.
type Scheduler struct {
	st       *store.Store
	def      *sequence.Definition
	pipe     *Pipeline
	gw       transport.Gateway
	bus      eventbus.Bus
	log      logx.Logger
	tick     time.Duration
	cancelOn []string
}

func NewScheduler(st *store.Store, def *sequence.Definition, pipe *Pipeline, gw transport.Gateway, bus eventbus.Bus, cancelRoles []string, tick time.Duration, log logx.Logger) *Scheduler {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		st:       st,
		def:      def,
		pipe:     pipe,
		gw:       gw,
		bus:      bus,
		log:      log.With(logx.String("component", "scheduler")),
		tick:     tick,
		cancelOn: append([]string(nil), cancelRoles...),
	}
}

// Run drives the tick loop until ctx is cancelled. It blocks, so it is
// meant to be hosted under a restarting supervisor task.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log: s.log})))
	c.Schedule(cron.Every(s.tick), cron.FuncJob(func() {
		s.Tick(ctx, time.Now())
	}))
	c.Start()
	s.log.Info("scheduler started", logx.Duration("tick", s.tick))

	<-ctx.Done()
	stop := c.Stop()
	select {
	case <-stop.Done():
	case <-time.After(30 * time.Second):
		s.log.Warn("scheduler stop timed out with a tick still running")
	}
	return nil
}

// Tick processes every queue entry due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due := s.st.Due(now)
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	s.log.Debug("tick", logx.Int("due", len(due)))

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.processOne(ctx, e, now)
	}
}

// processOne handles a single user. Panics are contained here so one
// bad entry cannot take down the whole tick.
func (s *Scheduler) processOne(ctx context.Context, e store.QueueEntry, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic processing user",
				logx.Int64("user_id", e.UserID),
				logx.String("step", string(e.Step)),
				logx.Any("panic", r))
		}
	}()

	log := s.log.With(logx.Int64("user_id", e.UserID), logx.String("step", string(e.Step)))

	// Eligibility is re-checked at send time: the queue may be hours
	// stale relative to membership and role state.
	member, err := s.gw.IsMember(ctx, e.UserID)
	if err != nil {
		log.Warn("membership lookup failed; retrying next tick", logx.Err(err))
		return
	}
	if !member {
		s.cancel(e, ReasonLeftCommunity, now)
		return
	}

	if len(s.cancelOn) > 0 {
		roles, err := s.gw.Roles(ctx, e.UserID)
		if err != nil {
			log.Warn("role lookup failed; retrying next tick", logx.Err(err))
			return
		}
		if roles.HasAny(s.cancelOn...) {
			s.cancel(e, ReasonCancelRolePresent, now)
			return
		}
	}

	if !s.def.Contains(e.Step) {
		log.Error("queue entry references unknown step")
		s.cancel(e, ReasonBadStep, now)
		return
	}

	res := s.pipe.Deliver(ctx, e.UserID, e.Step)
	switch res.Outcome {
	case OutcomeSent, OutcomeSkipped:
		s.advance(e, res.Outcome, now)
	case OutcomeCancel:
		s.cancel(e, res.Reason, now)
	case OutcomeRetry:
		log.Debug("transient delivery failure; will retry", logx.Err(res.Err))
	}
}

func (s *Scheduler) advance(e store.QueueEntry, out Outcome, now time.Time) {
	evType := EventSent
	if out == OutcomeSkipped {
		evType = EventSkipped
	}

	next, ok := s.def.After(e.Step)
	if !ok {
		if err := s.st.Finish(e.UserID, e.Step, now); err != nil {
			s.log.Error("finish failed", logx.Int64("user_id", e.UserID), logx.Err(err))
			return
		}
		s.publish(evType, e, "", now, time.Time{})
		s.publish(EventFinished, e, "", now, time.Time{})
		s.log.Info("campaign finished", logx.Int64("user_id", e.UserID))
		return
	}

	at := now.Add(s.def.Gap(e.Step))
	if err := s.st.Advance(e.UserID, next, at); err != nil {
		s.log.Error("advance failed", logx.Int64("user_id", e.UserID), logx.Err(err))
		return
	}
	s.publish(evType, e, "", now, time.Time{})
	next2 := e
	next2.Step = next
	s.publish(EventScheduled, next2, "", now, at)
	s.log.Info("step delivered",
		logx.Int64("user_id", e.UserID),
		logx.String("step", string(e.Step)),
		logx.String("outcome", out.String()),
		logx.String("next", string(next)),
		logx.Time("next_at", at))
}

func (s *Scheduler) cancel(e store.QueueEntry, reason string, now time.Time) {
	if _, err := s.st.Cancel(e.UserID, reason, now); err != nil {
		s.log.Error("cancel failed", logx.Int64("user_id", e.UserID), logx.Err(err))
		return
	}
	s.publish(EventCancelled, e, reason, now, time.Time{})
	s.log.Info("campaign cancelled",
		logx.Int64("user_id", e.UserID),
		logx.String("step", string(e.Step)),
		logx.String("reason", reason))
}

func (s *Scheduler) publish(evType string, e store.QueueEntry, reason string, at, nextAt time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: evType,
		Time: at,
		Data: Event{
			Type:     evType,
			UserID:   e.UserID,
			Username: e.Username,
			Step:     e.Step,
			Reason:   reason,
			At:       at,
			NextAt:   nextAt,
		},
	})
}

// cronLogger adapts logx to the cron logger contract used by the
// recovery wrapper.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, logx.Any("args", fmt.Sprint(kv...)))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, logx.Err(err), logx.Any("args", fmt.Sprint(kv...)))
}
