package campaign

import (
	"context"
	"strings"
	"testing"
	"time"

	"dripbot/internal/eventbus"
	"dripbot/internal/sequence"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	"dripbot/internal/transport/telegram/router"
	logx "dripbot/pkg/logx"
)

type cmdFixture struct {
	cmds *Commands
	st   *store.Store
	gw   *fakeGateway
}

func newCmdFixture(t *testing.T, cfg CommandConfig) *cmdFixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	def, err := sequence.Default(24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("sequence.Default: %v", err)
	}
	gw := &fakeGateway{member: true}
	reg := sequence.NewRegistry()
	for _, s := range def.Steps() {
		reg.Register(s, okProvider(string(s)))
	}
	if cfg.Links == nil {
		cfg.Links = map[string]string{"default": "https://example.test/join"}
	}
	if cfg.TestSpacing == 0 {
		cfg.TestSpacing = time.Millisecond
	}
	pipe := NewPipeline(gw, reg, cfg.Links, time.Millisecond, PolicySkip, logx.Nop())
	cmds := NewCommands(cfg, st, def, pipe, gw, eventbus.New(), logx.Nop())
	return &cmdFixture{cmds: cmds, st: st, gw: gw}
}

func (f *cmdFixture) request(args ...string) *router.Request {
	return &router.Request{
		Chat:    transport.ChatTarget{ChatID: 100},
		FromID:  999,
		Args:    args,
		Gateway: f.gw,
		Logger:  logx.Nop(),
	}
}

func (f *cmdFixture) lastReply(t *testing.T) string {
	t.Helper()
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.texts) == 0 {
		t.Fatal("no reply sent")
	}
	return f.gw.texts[len(f.gw.texts)-1]
}

func TestStartRequiresTriggerRole(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{TriggerRole: "onboarding"})

	if err := f.cmds.start(context.Background(), f.request("42")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(f.lastReply(t), "trigger role") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}
	if _, ok := f.st.Queue(42); ok {
		t.Fatal("user enrolled without trigger role")
	}
}

func TestStartEnrolls(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{TriggerRole: "onboarding"})
	f.gw.roles = roles("onboarding")

	if err := f.cmds.start(context.Background(), f.request("42", "@alice")); err != nil {
		t.Fatalf("start: %v", err)
	}
	e, ok := f.st.Queue(42)
	if !ok || e.Step != "day_1" || e.Username != "alice" {
		t.Fatalf("queue = %+v, %v", e, ok)
	}
}

func TestStartRefusesRerun(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{})
	if _, err := f.st.Cancel(42, ReasonAdminCancel, time.Now()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := f.cmds.start(context.Background(), f.request("42")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := f.st.Queue(42); ok {
		t.Fatal("completed user re-enrolled without allow_restart")
	}
}

func TestStartAllowRestart(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{AllowRestart: true})
	if _, err := f.st.Cancel(42, ReasonAdminCancel, time.Now()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := f.cmds.start(context.Background(), f.request("42")); err != nil {
		t.Fatalf("start: %v", err)
	}
	e, ok := f.st.Queue(42)
	if !ok || e.Step != "day_1" {
		t.Fatalf("queue = %+v, %v", e, ok)
	}
	rec, _ := f.st.Record(42)
	if rec.Status != store.StatusActive {
		t.Fatalf("record = %+v", rec)
	}
}

func TestCancelCommand(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{})

	if err := f.cmds.cancel(context.Background(), f.request("7")); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(f.lastReply(t), "not in the active queue") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}

	_ = f.st.Enroll(7, "bob", "day_2", time.Now())
	if err := f.cmds.cancel(context.Background(), f.request("7")); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	rec, _ := f.st.Record(7)
	if rec.Status != store.StatusCancelled || rec.Reason != ReasonAdminCancel {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRelocateCommand(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{RelocateDelay: 5 * time.Second})

	if err := f.cmds.relocate(context.Background(), f.request("9", "banana")); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if !strings.Contains(f.lastReply(t), "Invalid step") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}

	if err := f.cmds.relocate(context.Background(), f.request("9", "4")); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	e, ok := f.st.Queue(9)
	if !ok || e.Step != "day_4" {
		t.Fatalf("queue = %+v, %v", e, ok)
	}
	if until := time.Until(e.ScheduledAt); until > 6*time.Second || until < 0 {
		t.Fatalf("ScheduledAt %v from now", until)
	}
}

func TestTestCommandSendsAllSteps(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{TestSpacing: time.Millisecond})

	if err := f.cmds.test(context.Background(), f.request("55")); err != nil {
		t.Fatalf("test: %v", err)
	}
	if got := f.gw.sentCount(); got != 7 {
		t.Fatalf("sent = %d", got)
	}
	if !strings.Contains(f.lastReply(t), "complete") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t, CommandConfig{})
	_ = f.st.Enroll(1, "a", "day_1", time.Now())

	if err := f.cmds.status(context.Background(), f.request()); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(f.lastReply(t), "1 pending") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}

	if err := f.cmds.status(context.Background(), f.request("1")); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(f.lastReply(t), "active") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}

	if err := f.cmds.status(context.Background(), f.request("404")); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(f.lastReply(t), "never entered") {
		t.Fatalf("reply = %q", f.lastReply(t))
	}
}

func TestSelftestReportsMissingProvider(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	def, _ := sequence.Default(24*time.Hour, 24*time.Hour)
	gw := &fakeGateway{}
	reg := sequence.NewRegistry() // nothing registered
	links := map[string]string{"default": "u"}
	pipe := NewPipeline(gw, reg, links, time.Millisecond, PolicySkip, logx.Nop())
	cmds := NewCommands(CommandConfig{Links: links}, st, def, pipe, gw, nil, logx.Nop())

	req := &router.Request{Chat: transport.ChatTarget{ChatID: 1}, Gateway: gw, Logger: logx.Nop()}
	if err := cmds.selftest(context.Background(), req); err != nil {
		t.Fatalf("selftest: %v", err)
	}
	gw.mu.Lock()
	reply := gw.texts[len(gw.texts)-1]
	gw.mu.Unlock()
	if !strings.Contains(reply, "no content provider") {
		t.Fatalf("reply = %q", reply)
	}
}
