package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "dripbot/pkg/logx"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestEnrollAndQueue(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	at := time.Now().Add(time.Minute)

	if err := s.Enroll(42, "alice", "day_1", at); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := s.Enroll(42, "alice", "day_1", at); err != ErrExists {
		t.Fatalf("second Enroll err = %v, want ErrExists", err)
	}

	e, ok := s.Queue(42)
	if !ok || e.Step != "day_1" || e.Username != "alice" {
		t.Fatalf("Queue = %+v, %v", e, ok)
	}
	rec, ok := s.Record(42)
	if !ok || rec.Status != StatusActive || rec.LastStep != "day_1" {
		t.Fatalf("Record = %+v, %v", rec, ok)
	}
}

func TestRestartReplacesRecord(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	now := time.Now()

	if err := s.Enroll(7, "bob", "day_1", now); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := s.Cancel(7, "admin_cancel", now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Restart(7, "bob", "day_1", now); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	rec, _ := s.Record(7)
	if rec.Status != StatusActive || rec.Reason != "" {
		t.Fatalf("Record after Restart = %+v", rec)
	}
	if _, ok := s.Queue(7); !ok {
		t.Fatal("Restart left no queue entry")
	}
}

func TestCancelKeepsRegistryRecord(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	now := time.Now()

	if err := s.Enroll(1, "eve", "day_1", now); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	hadQueue, err := s.Cancel(1, "left_guild", now)
	if err != nil || !hadQueue {
		t.Fatalf("Cancel = %v, %v", hadQueue, err)
	}
	if _, ok := s.Queue(1); ok {
		t.Fatal("queue entry survived Cancel")
	}
	rec, ok := s.Record(1)
	if !ok || rec.Status != StatusCancelled || rec.Reason != "left_guild" {
		t.Fatalf("Record = %+v", rec)
	}
	if rec.CompletedAt.IsZero() {
		t.Fatal("CompletedAt not set")
	}

	// cancelling an unknown user still leaves a registry trace
	hadQueue, err = s.Cancel(999, "dm_forbidden", now)
	if err != nil || hadQueue {
		t.Fatalf("Cancel(unknown) = %v, %v", hadQueue, err)
	}
	if rec, ok := s.Record(999); !ok || rec.Status != StatusCancelled {
		t.Fatalf("Record(999) = %+v, %v", rec, ok)
	}
}

func TestAdvanceAndFinish(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	now := time.Now()

	if err := s.Enroll(5, "kim", "day_1", now); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	next := now.Add(24 * time.Hour)
	if err := s.Advance(5, "day_2", next); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	e, _ := s.Queue(5)
	if e.Step != "day_2" || !e.ScheduledAt.Equal(next.UTC()) {
		t.Fatalf("Queue after Advance = %+v", e)
	}
	rec, _ := s.Record(5)
	if rec.LastStep != "day_2" {
		t.Fatalf("LastStep = %q", rec.LastStep)
	}

	if err := s.Advance(404, "day_2", next); err != ErrNotFound {
		t.Fatalf("Advance(unknown) err = %v", err)
	}

	if err := s.Finish(5, "day_7a", now); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, ok := s.Queue(5); ok {
		t.Fatal("queue entry survived Finish")
	}
	rec, _ = s.Record(5)
	if rec.Status != StatusFinished || rec.LastStep != "day_7a" {
		t.Fatalf("Record after Finish = %+v", rec)
	}
}

func TestDueAndNudge(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	now := time.Now()

	if err := s.Enroll(1, "a", "day_1", now.Add(-time.Hour)); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := s.Enroll(2, "b", "day_1", now.Add(time.Hour)); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	due := s.Due(now)
	if len(due) != 1 || due[0].UserID != 1 {
		t.Fatalf("Due = %+v", due)
	}

	moved, err := s.NudgeDue(now, 5*time.Second)
	if err != nil || moved != 1 {
		t.Fatalf("NudgeDue = %d, %v", moved, err)
	}
	if got := s.Due(now); len(got) != 0 {
		t.Fatalf("Due after nudge = %+v", got)
	}
	e, _ := s.Queue(1)
	if !e.ScheduledAt.Equal(now.Add(5 * time.Second).UTC()) {
		t.Fatalf("nudged ScheduledAt = %v", e.ScheduledAt)
	}
}

func TestRelocateCreatesWhenMissing(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	at := time.Now().Add(time.Minute)

	if err := s.Relocate(10, "zoe", "day_4", at); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	e, ok := s.Queue(10)
	if !ok || e.Step != "day_4" {
		t.Fatalf("Queue = %+v, %v", e, ok)
	}
	rec, ok := s.Record(10)
	if !ok || rec.Status != StatusActive || rec.LastStep != "day_4" {
		t.Fatalf("Record = %+v, %v", rec, ok)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := open(t, dir)
	if err := s.Enroll(42, "alice", "day_3", at); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := s.Cancel(7, "dm_forbidden", at); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// reopen from disk
	s2 := open(t, dir)
	e, ok := s2.Queue(42)
	if !ok || e.Step != "day_3" || !e.ScheduledAt.Equal(at) {
		t.Fatalf("reloaded queue = %+v, %v", e, ok)
	}
	rec, ok := s2.Record(7)
	if !ok || rec.Status != StatusCancelled || rec.Reason != "dm_forbidden" {
		t.Fatalf("reloaded record = %+v, %v", rec, ok)
	}
}

func TestOpenToleratesCorruptSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "queue.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := open(t, dir)
	if got := s.QueueSnapshot(); len(got) != 0 {
		t.Fatalf("queue = %+v", got)
	}
	// the store must still be writable after recovery
	if err := s.Enroll(1, "a", "day_1", time.Now()); err != nil {
		t.Fatalf("Enroll after recovery: %v", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := open(t, t.TempDir())
	now := time.Now()

	_ = s.Enroll(1, "a", "day_1", now)
	_ = s.Enroll(2, "b", "day_1", now)
	_ = s.Enroll(3, "c", "day_1", now)
	_, _ = s.Cancel(2, "admin_cancel", now)
	_ = s.Finish(3, "day_7a", now)

	queued, active, finished, cancelled := s.Stats()
	if queued != 1 || active != 1 || finished != 1 || cancelled != 1 {
		t.Fatalf("Stats = %d %d %d %d", queued, active, finished, cancelled)
	}
}
