package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Roles    RolesConfig    `json:"roles"`
	Campaign CampaignConfig `json:"campaign"`
	Delivery DeliveryConfig `json:"delivery"`

	// Notifier controls the channel-notification pipeline. If the whole
	// section is omitted it defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Storage StorageConfig `json:"storage"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	// CommunityChat is the main community group; membership in it defines
	// "is still a member" for the campaign.
	CommunityChat int64 `json:"community_chat"`

	// FirstStepChannel receives enrollment and first-step delivery events;
	// EventsChannel receives everything else (cancellations, errors,
	// scheduling confirmations).
	FirstStepChannel int64 `json:"first_step_channel"`
	EventsChannel    int64 `json:"events_channel"`
}

// RolesConfig maps role keys onto platform chats and names the roles the
// campaign reacts to. Every key referenced below must appear in Chats.
type RolesConfig struct {
	// Chats maps a role key to the Telegram chat whose membership carries
	// the role.
	Chats map[string]int64 `json:"chats"`

	// Trigger starts a sequence when it appears.
	Trigger string `json:"trigger"`
	// Cancel roles force sequence termination while held.
	Cancel []string `json:"cancel"`
	// Member is the community-membership role watched for the
	// former-member flow.
	Member string `json:"member"`
	// FormerMember is the marker applied when Member is lost and not
	// regained within the delay window.
	FormerMember string `json:"former_member"`
	// Checked is the qualifying set for fallback enrollment: when a user
	// holds none of these, the settle check may assign Trigger.
	Checked []string `json:"checked"`
}

// CampaignConfig controls the drip scheduler and reactor.
//
// All durations are Go duration strings (e.g. "10s", "24h").
type CampaignConfig struct {
	Enabled bool `json:"enabled"`

	// TickInterval is how often the scheduler scans the queue.
	TickInterval string `json:"tick_interval"`
	// StepGap is the delay between consecutive steps; FinalGap (optional)
	// overrides the gap before the last step.
	StepGap  string `json:"step_gap"`
	FinalGap string `json:"final_gap,omitempty"`

	// SettleDelay is the wait before the no-qualifying-role fallback check.
	SettleDelay string `json:"settle_delay"`
	// FormerMemberDelay is the wait before marking a lost member as former.
	FormerMemberDelay string `json:"former_member_delay"`

	// StartupNudge spreads due-or-overdue entries shortly after boot
	// instead of firing them all immediately.
	StartupNudge string `json:"startup_nudge,omitempty"`
	// RelocateDelay is the short delay before an admin-relocated entry fires.
	RelocateDelay string `json:"relocate_delay,omitempty"`
	// TestSpacing is the per-step spacing of the diagnostic test send.
	TestSpacing string `json:"test_spacing,omitempty"`

	// AllowRestart permits /drip start to re-enroll a completed user.
	// Automatic triggers never re-enroll regardless of this flag.
	AllowRestart bool `json:"allow_restart,omitempty"`
}

// DeliveryConfig controls the direct-message pipeline.
type DeliveryConfig struct {
	// Spacing is the global minimum interval between any two deliveries.
	Spacing string `json:"spacing"`

	// OnContentError picks the policy for missing/broken step content:
	// "skip" (default) advances past the step, "cancel" terminates the
	// sequence.
	OnContentError string `json:"on_content_error,omitempty"`

	// Links maps a step key to its outbound link.
	Links map[string]string `json:"links"`
}

type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers"`
	QueueSize  int  `json:"queue_size"`
	RatePerSec int  `json:"rate_per_sec"`
}

// StorageConfig locates the snapshot files (queue.json, registry.json).
type StorageConfig struct {
	Dir string `json:"dir"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
