package campaign

import (
	"context"
	"time"

	"dripbot/internal/eventbus"
	"dripbot/internal/sequence"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// ReactorConfig names the role keys the reactor acts on.
type ReactorConfig struct {
	// Trigger enrols a user into the campaign when added, and is also
	// the fallback role granted by the settle check.
	Trigger string
	// Cancel roles stop the campaign for a user.
	Cancel []string
	// Member marks full community membership; losing it starts the
	// former-member flow.
	Member string
	// FormerMember is the marker granted to users who lost the member
	// role and did not regain it within the delay.
	FormerMember string
	// Checked is the set of roles whose complete absence (after the
	// settle delay) causes the trigger role to be granted.
	Checked []string

	// SettleDelay is how long to wait after a join or a checked-role
	// loss before acting, so rapid role churn settles first.
	SettleDelay time.Duration
	// FormerMemberDelay is the grace period before the former-member
	// marker is applied.
	FormerMemberDelay time.Duration
}

func (c *ReactorConfig) normalize() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 60 * time.Second
	}
	if c.FormerMemberDelay <= 0 {
		c.FormerMemberDelay = 60 * time.Second
	}
}

// Reactor translates membership and role-change updates into campaign
// state: enrolment, cancellation, and the fallback/former-member role
// flows. Delayed checks are deduplicated per user so update bursts do
// not stack timers.
type Reactor struct {
	cfg     ReactorConfig
	st      *store.Store
	def     *sequence.Definition
	gw      transport.Gateway
	bus     eventbus.Bus
	pending *pendingSet
	log     logx.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewReactor(cfg ReactorConfig, st *store.Store, def *sequence.Definition, gw transport.Gateway, bus eventbus.Bus, log logx.Logger) *Reactor {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reactor{
		cfg:     cfg,
		st:      st,
		def:     def,
		gw:      gw,
		bus:     bus,
		pending: newPendingSet(),
		log:     log.With(logx.String("component", "reactor")),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// HandleRoleChange applies the role-transition rules in order. The
// cancel and trigger rules are terminal; the loss rules are not, so an
// update that drops both the member role and the last checked role
// schedules the settle check and the former-member check.
func (r *Reactor) HandleRoleChange(ctx context.Context, ch transport.RoleChange) {
	log := r.log.With(logx.Int64("user_id", ch.UserID))

	// 1. A cancel role present on a user with a pending delivery stops
	// the campaign.
	if _, queued := r.st.Queue(ch.UserID); queued && ch.After.HasAny(r.cfg.Cancel...) {
		if _, err := r.st.Cancel(ch.UserID, ReasonCancelRoleAdded, time.Now()); err != nil {
			log.Error("cancel failed", logx.Err(err))
			return
		}
		r.publish(EventCancelled, ch.UserID, ch.Username, "", ReasonCancelRoleAdded)
		log.Info("campaign cancelled", logx.String("reason", ReasonCancelRoleAdded))
		return
	}

	// 2. Trigger role newly added enrols the user, once per lifetime.
	if r.cfg.Trigger != "" && !ch.Before.Has(r.cfg.Trigger) && ch.After.Has(r.cfg.Trigger) {
		r.enroll(ch.UserID, ch.Username, "trigger role added")
		return
	}

	// 3. Losing the last checked role starts the settle check.
	if len(r.cfg.Checked) > 0 && ch.Before.HasAny(r.cfg.Checked...) && !ch.After.HasAny(r.cfg.Checked...) {
		log.Info("all checked roles lost; settle check scheduled",
			logx.Duration("delay", r.cfg.SettleDelay))
		go r.settleCheck(ctx, ch.UserID, ch.Username)
	}

	// 4. Losing the member role starts the former-member flow.
	if r.cfg.Member != "" && ch.Before.Has(r.cfg.Member) && !ch.After.Has(r.cfg.Member) {
		log.Info("member role lost; former-member check scheduled",
			logx.Duration("delay", r.cfg.FormerMemberDelay))
		go r.formerCheck(ctx, ch.UserID)
		return
	}

	// 5. Regaining the member role clears the former-member marker.
	if r.cfg.Member != "" && !ch.Before.Has(r.cfg.Member) && ch.After.Has(r.cfg.Member) {
		if ch.After.Has(r.cfg.FormerMember) {
			if err := r.gw.RevokeRole(ctx, ch.UserID, r.cfg.FormerMember, "regained member role"); err != nil {
				log.Warn("former-member marker removal failed", logx.Err(err))
				return
			}
			log.Info("former-member marker removed")
		}
	}
}

// HandleJoin runs the settle check for a fresh member.
func (r *Reactor) HandleJoin(ctx context.Context, ev transport.MemberEvent) {
	r.log.Info("member joined; settle check scheduled",
		logx.Int64("user_id", ev.UserID),
		logx.Duration("delay", r.cfg.SettleDelay))
	go r.settleCheck(ctx, ev.UserID, ev.Username)
}

// HandleLeave cancels any pending campaign for a departed user.
func (r *Reactor) HandleLeave(_ context.Context, ev transport.MemberEvent) {
	if _, queued := r.st.Queue(ev.UserID); !queued {
		return
	}
	if _, err := r.st.Cancel(ev.UserID, ReasonLeftCommunity, time.Now()); err != nil {
		r.log.Error("cancel failed", logx.Int64("user_id", ev.UserID), logx.Err(err))
		return
	}
	r.publish(EventCancelled, ev.UserID, ev.Username, "", ReasonLeftCommunity)
	r.log.Info("campaign cancelled",
		logx.Int64("user_id", ev.UserID),
		logx.String("reason", ReasonLeftCommunity))
}

// settleCheck waits out the settle delay, then grants the trigger role
// to users who still hold none of the checked roles, enrolling them if
// they never ran the campaign.
func (r *Reactor) settleCheck(ctx context.Context, userID int64, username string) {
	if !r.pending.Begin(userID, pendingSettle) {
		return
	}
	defer r.pending.End(userID, pendingSettle)

	if !r.sleep(ctx, r.cfg.SettleDelay) {
		return
	}

	log := r.log.With(logx.Int64("user_id", userID))

	roles, err := r.gw.Roles(ctx, userID)
	if err != nil {
		log.Warn("settle check role lookup failed", logx.Err(err))
		return
	}
	if roles.HasAny(r.cfg.Checked...) {
		return
	}
	if err := r.gw.GrantRole(ctx, userID, r.cfg.Trigger, "no checked roles after settle delay"); err != nil {
		log.Warn("fallback role grant failed", logx.Err(err))
		return
	}
	log.Info("fallback role granted", logx.String("role", r.cfg.Trigger))
	r.enroll(userID, username, "fallback role assigned")
}

// formerCheck waits out the grace period, then marks a user who did
// not regain the member role as a former member.
func (r *Reactor) formerCheck(ctx context.Context, userID int64) {
	if !r.pending.Begin(userID, pendingFormer) {
		return
	}
	defer r.pending.End(userID, pendingFormer)

	if !r.sleep(ctx, r.cfg.FormerMemberDelay) {
		return
	}

	log := r.log.With(logx.Int64("user_id", userID))

	roles, err := r.gw.Roles(ctx, userID)
	if err != nil {
		log.Warn("former-member check role lookup failed", logx.Err(err))
		return
	}
	if roles.Has(r.cfg.Member) {
		log.Info("member role regained during delay; not marking former")
		return
	}
	if roles.Has(r.cfg.FormerMember) {
		return
	}
	if err := r.gw.GrantRole(ctx, userID, r.cfg.FormerMember, "lost member role"); err != nil {
		log.Warn("former-member marker grant failed", logx.Err(err))
		return
	}
	log.Info("former-member marker granted")
}

// enroll creates the record and schedules the first step immediately.
// Users who ever ran the campaign are skipped.
func (r *Reactor) enroll(userID int64, username, via string) {
	first := r.def.First()
	err := r.st.Enroll(userID, username, first, time.Now())
	if err == store.ErrExists {
		r.log.Info("enrol skipped; campaign previously run",
			logx.Int64("user_id", userID), logx.String("via", via))
		return
	}
	if err != nil {
		r.log.Error("enrol failed", logx.Int64("user_id", userID), logx.Err(err))
		return
	}
	r.publish(EventEnrolled, userID, username, first, "")
	r.log.Info("user enrolled",
		logx.Int64("user_id", userID),
		logx.String("step", string(first)),
		logx.String("via", via))
}

func (r *Reactor) publish(evType string, userID int64, username string, step sequence.Step, reason string) {
	if r.bus == nil {
		return
	}
	now := time.Now()
	r.bus.Publish(eventbus.Event{
		Type: evType,
		Time: now,
		Data: Event{
			Type:     evType,
			UserID:   userID,
			Username: username,
			Step:     step,
			Reason:   reason,
			At:       now,
		},
	})
}
