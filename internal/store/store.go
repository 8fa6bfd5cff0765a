// Package store keeps the durable campaign state: the delivery queue
// and the per-user enrolment registry. State is held in memory behind a
// mutex and flushed to flat JSON snapshots on every mutation.
package store

import (
	"errors"
	"sync"
	"time"

	"dripbot/internal/sequence"
	logx "dripbot/pkg/logx"
)

var (
	// ErrExists marks an enrol attempt for a user that already has a
	// campaign record.
	ErrExists = errors.New("store: user already has a campaign record")
	// ErrNotFound marks an operation on a user with no queue entry.
	ErrNotFound = errors.New("store: no queue entry for user")
)

// Status is the lifecycle state of a registry record.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// QueueEntry is one pending delivery: which step a user receives next
// and when it becomes due.
type QueueEntry struct {
	UserID      int64         `json:"user_id"`
	Username    string        `json:"username,omitempty"`
	Step        sequence.Step `json:"step"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Record is the permanent registry entry for a user who ever entered
// the campaign. It survives the queue entry.
type Record struct {
	UserID      int64         `json:"user_id"`
	Username    string        `json:"username,omitempty"`
	Status      Status        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	LastStep    sequence.Step `json:"last_step,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
}

// Store owns both maps. All exported methods are safe for concurrent
// use; every mutation is flushed to disk before returning.
type Store struct {
	files *files

	mu       sync.Mutex
	queue    map[int64]QueueEntry
	registry map[int64]Record

	log logx.Logger
}

// Enroll creates an active record and the first queue entry. It fails
// with ErrExists when the user already has a record of any status.
func (s *Store) Enroll(userID int64, username string, first sequence.Step, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[userID]; ok {
		return ErrExists
	}
	return s.enrollLocked(userID, username, first, at)
}

// Restart enrols unconditionally, replacing any previous record. Used
// by the admin start command when re-enrolment is allowed.
func (s *Store) Restart(userID int64, username string, first sequence.Step, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollLocked(userID, username, first, at)
}

func (s *Store) enrollLocked(userID int64, username string, first sequence.Step, at time.Time) error {
	now := time.Now().UTC()
	s.registry[userID] = Record{
		UserID:    userID,
		Username:  username,
		Status:    StatusActive,
		LastStep:  first,
		StartedAt: now,
	}
	s.queue[userID] = QueueEntry{
		UserID:      userID,
		Username:    username,
		Step:        first,
		ScheduledAt: at.UTC(),
	}
	return s.saveLocked()
}

// Cancel removes the queue entry (if any) and marks the record
// cancelled with the given reason. A record is created when none
// exists, so the cancellation is always visible in the registry.
// hadQueue reports whether a pending delivery was actually dropped.
func (s *Store) Cancel(userID int64, reason string, now time.Time) (hadQueue bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hadQueue = s.queue[userID]
	delete(s.queue, userID)

	rec := s.registry[userID]
	rec.UserID = userID
	rec.Status = StatusCancelled
	rec.Reason = reason
	rec.CompletedAt = now.UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now.UTC()
	}
	s.registry[userID] = rec

	return hadQueue, s.saveLocked()
}

// Finish removes the queue entry and marks the record finished.
func (s *Store) Finish(userID int64, last sequence.Step, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue, userID)

	rec := s.registry[userID]
	rec.UserID = userID
	rec.Status = StatusFinished
	rec.Reason = ""
	rec.LastStep = last
	rec.CompletedAt = now.UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now.UTC()
	}
	s.registry[userID] = rec

	return s.saveLocked()
}

// Advance moves the user's queue entry to the next step at the given
// time and updates the record's last step.
func (s *Store) Advance(userID int64, next sequence.Step, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[userID]
	if !ok {
		return ErrNotFound
	}
	e.Step = next
	e.ScheduledAt = at.UTC()
	s.queue[userID] = e

	if rec, ok := s.registry[userID]; ok {
		rec.LastStep = next
		s.registry[userID] = rec
	}

	return s.saveLocked()
}

// Relocate force-sets the user's queue entry to the given step and due
// time, creating the entry (and an active record) when missing.
func (s *Store) Relocate(userID int64, username string, step sequence.Step, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[userID]
	if !ok {
		e = QueueEntry{UserID: userID, Username: username}
	}
	if e.Username == "" {
		e.Username = username
	}
	e.Step = step
	e.ScheduledAt = at.UTC()
	s.queue[userID] = e

	rec, ok := s.registry[userID]
	if !ok {
		rec = Record{UserID: userID, Username: username, StartedAt: time.Now().UTC()}
	}
	rec.Status = StatusActive
	rec.Reason = ""
	rec.LastStep = step
	rec.CompletedAt = time.Time{}
	s.registry[userID] = rec

	return s.saveLocked()
}

// Queue returns the user's pending entry.
func (s *Store) Queue(userID int64) (QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[userID]
	return e, ok
}

// QueueSnapshot copies the whole queue.
func (s *Store) QueueSnapshot() []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, e)
	}
	return out
}

// Due returns queue entries whose scheduled time has passed.
func (s *Store) Due(now time.Time) []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueueEntry
	for _, e := range s.queue {
		if !e.ScheduledAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// Record returns the registry record for a user.
func (s *Store) Record(userID int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registry[userID]
	return r, ok
}

// HasRecord reports whether the user ever entered the campaign.
func (s *Store) HasRecord(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registry[userID]
	return ok
}

// NudgeDue reschedules every entry already overdue at now to
// now+nudge, so a restart delivers backlog with a short grace period
// instead of a burst at tick zero. It returns the number of entries
// moved.
func (s *Store) NudgeDue(now time.Time, nudge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for id, e := range s.queue {
		if e.ScheduledAt.After(now) {
			continue
		}
		e.ScheduledAt = now.Add(nudge).UTC()
		s.queue[id] = e
		moved++
	}
	if moved == 0 {
		return 0, nil
	}
	return moved, s.saveLocked()
}

// Stats counts registry records by status and the queue length.
func (s *Store) Stats() (queued, active, finished, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued = len(s.queue)
	for _, r := range s.registry {
		switch r.Status {
		case StatusActive:
			active++
		case StatusFinished:
			finished++
		case StatusCancelled:
			cancelled++
		}
	}
	return queued, active, finished, cancelled
}
