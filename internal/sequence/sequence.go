// Package sequence defines the ordered set of campaign steps and the
// timing between them.
package sequence

import (
	"fmt"
	"strings"
	"time"
)

// Step identifies one message in the campaign, e.g. "day_3".
type Step string

// DefaultSteps is the stock seven-step run: six daily messages and a
// final follow-up.
var DefaultSteps = []Step{
	"day_1", "day_2", "day_3", "day_4", "day_5", "day_6", "day_7a",
}

// Definition is an immutable ordered list of steps plus the gaps
// between them. The zero value is not usable; construct with New.
type Definition struct {
	steps    []Step
	index    map[Step]int
	gap      time.Duration
	finalGap time.Duration
}

// New builds a Definition. gap separates consecutive steps; finalGap
// separates the penultimate step from the last one (pass 0 to reuse
// gap).
func New(steps []Step, gap, finalGap time.Duration) (*Definition, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("sequence: no steps")
	}
	if gap <= 0 {
		return nil, fmt.Errorf("sequence: non-positive gap %v", gap)
	}
	if finalGap <= 0 {
		finalGap = gap
	}
	idx := make(map[Step]int, len(steps))
	for i, s := range steps {
		if s == "" {
			return nil, fmt.Errorf("sequence: empty step at %d", i)
		}
		if _, dup := idx[s]; dup {
			return nil, fmt.Errorf("sequence: duplicate step %q", s)
		}
		idx[s] = i
	}
	return &Definition{
		steps:    append([]Step(nil), steps...),
		index:    idx,
		gap:      gap,
		finalGap: finalGap,
	}, nil
}

// Default returns the stock seven-step definition.
func Default(gap, finalGap time.Duration) (*Definition, error) {
	return New(DefaultSteps, gap, finalGap)
}

// First returns the entry step of the sequence.
func (d *Definition) First() Step { return d.steps[0] }

// Last reports the final step.
func (d *Definition) Last() Step { return d.steps[len(d.steps)-1] }

// Steps returns a copy of the ordered step list.
func (d *Definition) Steps() []Step { return append([]Step(nil), d.steps...) }

// Len reports the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Contains reports whether s is part of the sequence.
func (d *Definition) Contains(s Step) bool {
	_, ok := d.index[s]
	return ok
}

// Index returns the zero-based position of s, or -1 when unknown.
func (d *Definition) Index(s Step) int {
	i, ok := d.index[s]
	if !ok {
		return -1
	}
	return i
}

// After returns the step following s. ok is false when s is the last
// step or not part of the sequence.
func (d *Definition) After(s Step) (next Step, ok bool) {
	i, found := d.index[s]
	if !found || i+1 >= len(d.steps) {
		return "", false
	}
	return d.steps[i+1], true
}

// Gap returns the delay between s and its successor. The transition
// into the last step uses the final gap.
func (d *Definition) Gap(s Step) time.Duration {
	i, found := d.index[s]
	if found && i+2 == len(d.steps) {
		return d.finalGap
	}
	return d.gap
}

// ParseRef resolves a human-entered step reference: a bare position
// ("3"), a shorthand suffix ("7a"), or the full step name ("day_3").
// The last position number also resolves when the final step carries a
// suffix, so "7" matches "day_7a".
func (d *Definition) ParseRef(ref string) (Step, error) {
	r := strings.ToLower(strings.TrimSpace(ref))
	if r == "" {
		return "", fmt.Errorf("sequence: empty step reference")
	}
	if s := Step(r); d.Contains(s) {
		return s, nil
	}
	if s := Step("day_" + r); d.Contains(s) {
		return s, nil
	}
	// positional: match by prefix so "7" finds "day_7a"
	for _, s := range d.steps {
		if strings.TrimPrefix(string(s), "day_") == r {
			return s, nil
		}
		if strings.HasPrefix(strings.TrimPrefix(string(s), "day_"), r) && isDigits(r) {
			return s, nil
		}
	}
	return "", fmt.Errorf("sequence: unknown step %q", ref)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
