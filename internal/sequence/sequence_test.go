package sequence

import (
	"testing"
	"time"

	"dripbot/internal/transport"
)

func mustDefault(t *testing.T) *Definition {
	t.Helper()
	d, err := Default(24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	return d
}

func TestDefinitionOrder(t *testing.T) {
	t.Parallel()
	d := mustDefault(t)

	if got := d.First(); got != "day_1" {
		t.Fatalf("First = %q", got)
	}
	if got := d.Last(); got != "day_7a" {
		t.Fatalf("Last = %q", got)
	}
	if d.Len() != 7 {
		t.Fatalf("Len = %d", d.Len())
	}

	next, ok := d.After("day_3")
	if !ok || next != "day_4" {
		t.Fatalf("After(day_3) = %q, %v", next, ok)
	}
	if _, ok := d.After("day_7a"); ok {
		t.Fatal("After(last) reported a successor")
	}
	if _, ok := d.After("day_99"); ok {
		t.Fatal("After(unknown) reported a successor")
	}
}

func TestDefinitionGap(t *testing.T) {
	t.Parallel()
	d, err := Default(24*time.Hour, 48*time.Hour)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if got := d.Gap("day_2"); got != 24*time.Hour {
		t.Fatalf("Gap(day_2) = %v", got)
	}
	// the transition day_6 -> day_7a uses the final gap
	if got := d.Gap("day_6"); got != 48*time.Hour {
		t.Fatalf("Gap(day_6) = %v", got)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, time.Hour, 0); err == nil {
		t.Fatal("empty step list accepted")
	}
	if _, err := New([]Step{"a", "a"}, time.Hour, 0); err == nil {
		t.Fatal("duplicate step accepted")
	}
	if _, err := New([]Step{"a"}, 0, 0); err == nil {
		t.Fatal("zero gap accepted")
	}
}

func TestParseRef(t *testing.T) {
	t.Parallel()
	d := mustDefault(t)

	cases := []struct {
		in   string
		want Step
		err  bool
	}{
		{in: "3", want: "day_3"},
		{in: "7a", want: "day_7a"},
		{in: "7", want: "day_7a"},
		{in: "day_5", want: "day_5"},
		{in: " DAY_2 ", want: "day_2"},
		{in: "0", err: true},
		{in: "8", err: true},
		{in: "", err: true},
		{in: "banana", err: true},
	}
	for _, tc := range cases {
		got, err := d.ParseRef(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseRef(%q): want error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRef(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRef(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.Register("day_1", ProviderFunc(func(joinURL string) ([]transport.Block, *transport.Affordance, error) {
		return []transport.Block{{Body: "hello"}}, nil, nil
	}))

	p, err := reg.Resolve("day_1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	blocks, _, err := p.Build("https://example.test/join")
	if err != nil || len(blocks) != 1 || blocks[0].Body != "hello" {
		t.Fatalf("Build = %v, %v", blocks, err)
	}

	if _, err := reg.Resolve("day_2"); err == nil {
		t.Fatal("Resolve(day_2) succeeded without a provider")
	}
}

func TestRegistryVerify(t *testing.T) {
	t.Parallel()
	d := mustDefault(t)
	reg := NewRegistry()
	for _, s := range d.Steps() {
		if s == "day_4" {
			continue
		}
		reg.Register(s, ProviderFunc(func(string) ([]transport.Block, *transport.Affordance, error) {
			return nil, nil, nil
		}))
	}
	missing := reg.Verify(d)
	if len(missing) != 1 || missing[0] != "day_4" {
		t.Fatalf("Verify = %v", missing)
	}
}
