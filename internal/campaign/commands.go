package campaign

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dripbot/internal/eventbus"
	"dripbot/internal/sequence"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	"dripbot/internal/transport/telegram/router"
	logx "dripbot/pkg/logx"
)

// CommandConfig carries the knobs the admin surface needs.
type CommandConfig struct {
	TriggerRole   string
	AllowRestart  bool
	RelocateDelay time.Duration
	TestSpacing   time.Duration
	Links         map[string]string
}

func (c *CommandConfig) normalize() {
	if c.RelocateDelay <= 0 {
		c.RelocateDelay = 5 * time.Second
	}
	if c.TestSpacing <= 0 {
		c.TestSpacing = 10 * time.Second
	}
}

// Commands is the owner-only admin surface over the campaign.
type Commands struct {
	cfg  CommandConfig
	st   *store.Store
	def  *sequence.Definition
	pipe *Pipeline
	gw   transport.Gateway
	bus  eventbus.Bus
	log  logx.Logger
}

func NewCommands(cfg CommandConfig, st *store.Store, def *sequence.Definition, pipe *Pipeline, gw transport.Gateway, bus eventbus.Bus, log logx.Logger) *Commands {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{
		cfg:  cfg,
		st:   st,
		def:  def,
		pipe: pipe,
		gw:   gw,
		bus:  bus,
		log:  log.With(logx.String("component", "commands")),
	}
}

// Routes returns the command table for the router.
func (c *Commands) Routes() []router.Command {
	return []router.Command{
		{
			Route:       "drip start",
			Usage:       "<user_id> [username]",
			Description: "enrol a user at the first step",
			Access:      router.AccessOwnerOnly,
			Handle:      c.start,
		},
		{
			Route:       "drip cancel",
			Usage:       "<user_id>",
			Description: "cancel a user's pending run",
			Access:      router.AccessOwnerOnly,
			Handle:      c.cancel,
		},
		{
			Route:       "drip relocate",
			Usage:       "<user_id> <step>",
			Description: "move a user to a step and send it shortly",
			Access:      router.AccessOwnerOnly,
			Handle:      c.relocate,
		},
		{
			Route:       "drip test",
			Usage:       "[user_id]",
			Description: "send the whole sequence at test pacing",
			Access:      router.AccessOwnerOnly,
			Handle:      c.test,
		},
		{
			Route:       "drip status",
			Usage:       "[user_id]",
			Description: "campaign counters, or one user's state",
			Access:      router.AccessOwnerOnly,
			Handle:      c.status,
		},
		{
			Route:       "drip selftest",
			Description: "verify step content and join links",
			Access:      router.AccessOwnerOnly,
			Handle:      c.selftest,
		},
	}
}

func parseUserID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("user id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad user id %q", args[0])
	}
	return id, nil
}

func (c *Commands) start(ctx context.Context, req *router.Request) error {
	userID, err := parseUserID(req.Args)
	if err != nil {
		return req.Reply(ctx, "Usage: /drip start <user_id> [username]")
	}
	username := ""
	if len(req.Args) > 1 {
		username = strings.TrimPrefix(req.Args[1], "@")
	}

	if c.cfg.TriggerRole != "" {
		roles, err := c.gw.Roles(ctx, userID)
		if err != nil {
			return req.Reply(ctx, fmt.Sprintf("Role lookup failed: %v", err))
		}
		if !roles.Has(c.cfg.TriggerRole) {
			return req.Reply(ctx, "User does not have the trigger role; the run only starts after that role is added.")
		}
	}

	first := c.def.First()
	err = c.st.Enroll(userID, username, first, time.Now())
	if err == store.ErrExists {
		if !c.cfg.AllowRestart {
			return req.Reply(ctx, "User already ran the campaign; not starting again.")
		}
		if err := c.st.Restart(userID, username, first, time.Now()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	c.publish(EventEnrolled, userID, username, first, "")
	c.log.Info("admin enrolled user", logx.Int64("user_id", userID), logx.Int64("by", req.FromID))
	return req.Reply(ctx, fmt.Sprintf("Queued %s for user %d now.", first, userID))
}

func (c *Commands) cancel(ctx context.Context, req *router.Request) error {
	userID, err := parseUserID(req.Args)
	if err != nil {
		return req.Reply(ctx, "Usage: /drip cancel <user_id>")
	}
	if _, queued := c.st.Queue(userID); !queued {
		return req.Reply(ctx, "User not in the active queue.")
	}
	if _, err := c.st.Cancel(userID, ReasonAdminCancel, time.Now()); err != nil {
		return err
	}
	c.publish(EventCancelled, userID, "", "", ReasonAdminCancel)
	c.log.Info("admin cancelled user", logx.Int64("user_id", userID), logx.Int64("by", req.FromID))
	return req.Reply(ctx, fmt.Sprintf("Cancelled the run for user %d.", userID))
}

func (c *Commands) relocate(ctx context.Context, req *router.Request) error {
	userID, err := parseUserID(req.Args)
	if err != nil || len(req.Args) < 2 {
		return req.Reply(ctx, "Usage: /drip relocate <user_id> <step>")
	}
	step, err := c.def.ParseRef(req.Args[1])
	if err != nil {
		return req.Reply(ctx, fmt.Sprintf("Invalid step. Use 1-%d or a step name like %s.", c.def.Len(), c.def.First()))
	}

	at := time.Now().Add(c.cfg.RelocateDelay)
	if err := c.st.Relocate(userID, "", step, at); err != nil {
		return err
	}
	c.log.Info("admin relocated user",
		logx.Int64("user_id", userID),
		logx.String("step", string(step)),
		logx.Int64("by", req.FromID))
	return req.Reply(ctx, fmt.Sprintf("Relocated user %d to %s, sending in ~%s.", userID, step, c.cfg.RelocateDelay))
}

// test sends every step to the target user back to back, ignoring the
// queue entirely. Failures are reported per step and do not stop the
// run.
func (c *Commands) test(ctx context.Context, req *router.Request) error {
	target := req.FromID
	if len(req.Args) > 0 {
		id, err := parseUserID(req.Args)
		if err != nil {
			return req.Reply(ctx, "Usage: /drip test [user_id]")
		}
		target = id
	}
	if err := req.Reply(ctx, fmt.Sprintf("Starting test run for user %d...", target)); err != nil {
		return err
	}

	failed := 0
	for i, step := range c.def.Steps() {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.TestSpacing):
			}
		}
		res := c.pipe.DeliverImmediate(ctx, target, step)
		if res.Outcome != OutcomeSent {
			failed++
			c.log.Warn("test step failed",
				logx.Int64("user_id", target),
				logx.String("step", string(step)),
				logx.String("outcome", res.Outcome.String()),
				logx.Err(res.Err))
			_ = req.Reply(ctx, fmt.Sprintf("Step %s failed: %s", step, res.Outcome))
		}
	}
	if failed > 0 {
		return req.Reply(ctx, fmt.Sprintf("Test run done, %d of %d steps failed.", failed, c.def.Len()))
	}
	return req.Reply(ctx, fmt.Sprintf("Test run complete for user %d.", target))
}

func (c *Commands) status(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		queued, active, finished, cancelled := c.st.Stats()
		return req.Reply(ctx, fmt.Sprintf(
			"Queue: %d pending\nRecords: %d active, %d finished, %d cancelled",
			queued, active, finished, cancelled))
	}

	userID, err := parseUserID(req.Args)
	if err != nil {
		return req.Reply(ctx, "Usage: /drip status [user_id]")
	}

	rec, ok := c.st.Record(userID)
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("User %d never entered the campaign.", userID))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User %d: %s", userID, rec.Status)
	if rec.Reason != "" {
		fmt.Fprintf(&b, " (%s)", rec.Reason)
	}
	fmt.Fprintf(&b, "\nLast step: %s", rec.LastStep)
	if e, queued := c.st.Queue(userID); queued {
		fmt.Fprintf(&b, "\nNext: %s at %s", e.Step, e.ScheduledAt.Format(time.RFC3339))
	}
	return req.Reply(ctx, b.String())
}

// selftest verifies that every step can actually be delivered: content
// providers registered, content buildable, and a join link available.
func (c *Commands) selftest(ctx context.Context, req *router.Request) error {
	var problems []string
	for _, step := range c.def.Steps() {
		link := c.cfg.Links[string(step)]
		if link == "" {
			link = c.cfg.Links["default"]
		}
		if link == "" {
			problems = append(problems, fmt.Sprintf("%s: no join link", step))
		}

		prov, err := c.pipe.content.Resolve(step)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: no content provider", step))
			continue
		}
		blocks, _, err := prov.Build(link)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: build failed: %v", step, err))
		} else if len(blocks) == 0 {
			problems = append(problems, fmt.Sprintf("%s: empty content", step))
		}
	}
	if len(problems) == 0 {
		return req.Reply(ctx, fmt.Sprintf("All %d steps check out.", c.def.Len()))
	}
	return req.Reply(ctx, "Problems:\n"+strings.Join(problems, "\n"))
}

func (c *Commands) publish(evType string, userID int64, username string, step sequence.Step, reason string) {
	if c.bus == nil {
		return
	}
	now := time.Now()
	c.bus.Publish(eventbus.Event{
		Type: evType,
		Time: now,
		Data: Event{Type: evType, UserID: userID, Username: username, Step: step, Reason: reason, At: now},
	})
}
