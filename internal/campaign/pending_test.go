package campaign

import (
	"sync"
	"testing"
)

func TestPendingSetDedup(t *testing.T) {
	t.Parallel()
	p := newPendingSet()

	if !p.Begin(1, pendingSettle) {
		t.Fatal("first Begin refused")
	}
	if p.Begin(1, pendingSettle) {
		t.Fatal("duplicate Begin accepted")
	}
	// a different kind for the same user is independent
	if !p.Begin(1, pendingFormer) {
		t.Fatal("Begin(former) refused while settle in flight")
	}
	if p.Len() != 2 {
		t.Fatalf("Len = %d", p.Len())
	}

	p.End(1, pendingSettle)
	if !p.Begin(1, pendingSettle) {
		t.Fatal("Begin refused after End")
	}
}

func TestPendingSetConcurrent(t *testing.T) {
	t.Parallel()
	p := newPendingSet()

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Begin(99, pendingSettle) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("Begin won %d times, want 1", n)
	}
}
