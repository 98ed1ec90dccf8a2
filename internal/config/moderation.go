package config

import (
	"fmt"
	"regexp"
)

// ModerationPolicy is the versioned rule table the risk scorer runs on.
// Operators tune it through config.yaml or MODERATION_* variables.
type ModerationPolicy struct {
	Version string `mapstructure:"VERSION"`
	// ContactTerms are matched as case-insensitive substrings.
	ContactTerms []string `mapstructure:"CONTACT_TERMS"`
	// UrgencyTerms are matched as whole words, case-insensitively.
	UrgencyTerms []string `mapstructure:"URGENCY_TERMS"`
	// ContactPatterns are regular expressions matched against the lower-cased text.
	ContactPatterns []string `mapstructure:"CONTACT_PATTERNS"`

	ContactWeight      int `mapstructure:"CONTACT_WEIGHT"`
	UrgencyWeight      int `mapstructure:"URGENCY_WEIGHT"`
	HistoryWeight      int `mapstructure:"HISTORY_WEIGHT"`
	HistoryCap         int `mapstructure:"HISTORY_CAP"`
	ShortMessageWeight int `mapstructure:"SHORT_MESSAGE_WEIGHT"`
	ShortMessageLength int `mapstructure:"SHORT_MESSAGE_LENGTH"`
	Threshold          int `mapstructure:"THRESHOLD"`
}

func DefaultModerationPolicy() ModerationPolicy {
	return ModerationPolicy{
		Version: "2024-01",
		ContactTerms: []string{
			"phone", "call me", "text me", "email", "e-mail", "cash", "meet",
			"address", "whatsapp", "telegram", "instagram", "snapchat", "facebook",
			"tiktok", "twitter", "signal", "wechat", "paypal", "venmo", "zelle",
			"cashapp", "bank transfer", "outside the app", "off platform",
		},
		UrgencyTerms: []string{"urgent", "hurry", "asap", "now", "quick", "fast"},
		ContactPatterns: []string{
			`\+?\d[\d\s().-]{7,}\d`,
			`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
			`\b[a-z0-9-]+\.(com|net|org|io|me|co|app|ly|info|biz)\b`,
		},
		ContactWeight:      50,
		UrgencyWeight:      20,
		HistoryWeight:      10,
		HistoryCap:         30,
		ShortMessageWeight: 10,
		ShortMessageLength: 10,
		Threshold:          50,
	}
}

func (p ModerationPolicy) Validate() error {
	if p.Threshold < 1 || p.Threshold > 100 {
		return fmt.Errorf("config: MODERATION.THRESHOLD must be in 1..100, got %d", p.Threshold)
	}
	for name, w := range map[string]int{
		"CONTACT_WEIGHT":       p.ContactWeight,
		"URGENCY_WEIGHT":       p.UrgencyWeight,
		"HISTORY_WEIGHT":       p.HistoryWeight,
		"HISTORY_CAP":          p.HistoryCap,
		"SHORT_MESSAGE_WEIGHT": p.ShortMessageWeight,
		"SHORT_MESSAGE_LENGTH": p.ShortMessageLength,
	} {
		if w < 0 {
			return fmt.Errorf("config: MODERATION.%s must not be negative, got %d", name, w)
		}
	}
	for _, expr := range p.ContactPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("config: MODERATION.CONTACT_PATTERNS %q: %w", expr, err)
		}
	}
	return nil
}
