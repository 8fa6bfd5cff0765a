package campaign

import "sync"

// pendingKind distinguishes the delayed checks the reactor runs.
type pendingKind string

const (
	pendingSettle pendingKind = "settle"
	pendingFormer pendingKind = "former"
)

// pendingSet deduplicates in-flight delayed checks per (user, kind) so
// a burst of role-change updates schedules each check at most once.
type pendingSet struct {
	mu sync.Mutex
	m  map[pendingKey]struct{}
}

type pendingKey struct {
	userID int64
	kind   pendingKind
}

func newPendingSet() *pendingSet {
	return &pendingSet{m: map[pendingKey]struct{}{}}
}

// Begin registers the check. It reports false when an identical check
// is already in flight, in which case the caller must not schedule
// another.
func (p *pendingSet) Begin(userID int64, kind pendingKind) bool {
	k := pendingKey{userID: userID, kind: kind}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[k]; ok {
		return false
	}
	p.m[k] = struct{}{}
	return true
}

// End releases the check slot.
func (p *pendingSet) End(userID int64, kind pendingKind) {
	k := pendingKey{userID: userID, kind: kind}
	p.mu.Lock()
	delete(p.m, k)
	p.mu.Unlock()
}

// Len reports the number of in-flight checks.
func (p *pendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
