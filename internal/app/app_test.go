package app

import (
	"strings"
	"testing"
	"time"

	"dripbot/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Token:         "123:abc",
			CommunityChat: -1001,
		},
		Roles: config.RolesConfig{
			Chats: map[string]int64{
				"onboarding":    -2001,
				"member":        -2002,
				"former_member": -2003,
			},
			Trigger:      "onboarding",
			Cancel:       []string{"member"},
			Member:       "member",
			FormerMember: "former_member",
			Checked:      []string{"member"},
		},
		Campaign: config.CampaignConfig{Enabled: true},
		Delivery: config.DeliveryConfig{
			Links: map[string]string{"default": "https://example.test/join"},
		},
		Storage: config.StorageConfig{Dir: "./data"},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{
			name:    "missing token",
			mutate:  func(c *config.Config) { c.Telegram.Token = "" },
			wantSub: "token",
		},
		{
			name:    "missing community chat",
			mutate:  func(c *config.Config) { c.Telegram.CommunityChat = 0 },
			wantSub: "community_chat",
		},
		{
			name:    "missing storage dir",
			mutate:  func(c *config.Config) { c.Storage.Dir = "" },
			wantSub: "storage.dir",
		},
		{
			name:    "missing default link",
			mutate:  func(c *config.Config) { delete(c.Delivery.Links, "default") },
			wantSub: "links.default",
		},
		{
			name:    "unmapped trigger role",
			mutate:  func(c *config.Config) { c.Roles.Trigger = "ghost" },
			wantSub: "no chat mapping",
		},
		{
			name:    "unmapped cancel role",
			mutate:  func(c *config.Config) { c.Roles.Cancel = append(c.Roles.Cancel, "ghost") },
			wantSub: "no chat mapping",
		},
		{
			name:    "bad content error policy",
			mutate:  func(c *config.Config) { c.Delivery.OnContentError = "explode" },
			wantSub: "on_content_error",
		},
		{
			name:    "bad duration",
			mutate:  func(c *config.Config) { c.Campaign.StepGap = "oneday" },
			wantSub: "step_gap",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestDurationDefaults(t *testing.T) {
	t.Parallel()
	iv, err := durations(validConfig())
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if iv.tick != 10*time.Second {
		t.Fatalf("tick = %v", iv.tick)
	}
	if iv.stepGap != 24*time.Hour || iv.finalGap != 24*time.Hour {
		t.Fatalf("gaps = %v, %v", iv.stepGap, iv.finalGap)
	}
	if iv.spacing != 30*time.Second {
		t.Fatalf("spacing = %v", iv.spacing)
	}
}

func TestFinalGapFollowsStepGapOverride(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Campaign.StepGap = "1h"
	iv, err := durations(cfg)
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if iv.stepGap != time.Hour || iv.finalGap != time.Hour {
		t.Fatalf("gaps = %v, %v", iv.stepGap, iv.finalGap)
	}
}
