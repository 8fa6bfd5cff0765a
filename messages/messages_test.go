package messages

import (
	"testing"
	"time"

	"dripbot/internal/sequence"
)

func TestRegisterCoversDefaultSequence(t *testing.T) {
	def, err := sequence.Default(24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("sequence.Default: %v", err)
	}
	reg := sequence.NewRegistry()
	Register(reg)

	if missing := reg.Verify(def); len(missing) != 0 {
		t.Fatalf("steps without content: %v", missing)
	}
}

func TestProvidersBuild(t *testing.T) {
	def, _ := sequence.Default(24*time.Hour, 24*time.Hour)
	reg := sequence.NewRegistry()
	Register(reg)

	for _, s := range def.Steps() {
		p, err := reg.Resolve(s)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", s, err)
		}
		blocks, _, err := p.Build("https://example.test/join")
		if err != nil {
			t.Fatalf("Build(%s): %v", s, err)
		}
		if len(blocks) != 1 || blocks[0].Title == "" || blocks[0].Body == "" {
			t.Fatalf("Build(%s) = %+v", s, blocks)
		}
	}
}

func TestBannerFromEnv(t *testing.T) {
	t.Setenv("BANNER_DAY_1", "https://cdn.example.test/banner1.png")
	reg := sequence.NewRegistry()
	Register(reg)

	p, _ := reg.Resolve("day_1")
	blocks, _, err := p.Build("u")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if blocks[0].ImageURL != "https://cdn.example.test/banner1.png" {
		t.Fatalf("ImageURL = %q", blocks[0].ImageURL)
	}
}

func TestFinalStepCustomButton(t *testing.T) {
	reg := sequence.NewRegistry()
	Register(reg)

	p, _ := reg.Resolve("day_7a")
	_, aff, err := p.Build("https://example.test/join")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if aff == nil || aff.Label != "JOIN THE GROUP NOW" || aff.URL != "https://example.test/join" {
		t.Fatalf("affordance = %+v", aff)
	}
}
