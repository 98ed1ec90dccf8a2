// Package analysis scores chat messages for policy risk. Scoring is pure and
// deterministic: the same content, history and policy give the same result.
package analysis

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"safechat/backend/internal/config"
)

// Rule names reported in Result.Rules.
const (
	RuleContactTerm    = "contact_term"
	RuleContactPattern = "contact_pattern"
	RuleUrgency        = "urgency"
	RuleSenderHistory  = "sender_history"
	RuleShortMessage   = "short_message"
)

// SenderHistory is what the scorer knows about the sender.
type SenderHistory struct {
	FlaggedCount int
}

// Result is the outcome of scoring one message.
type Result struct {
	RiskScore int
	IsFlagged bool
	// Rules lists the rules that contributed, in evaluation order.
	Rules []string
}

// Reason renders the flag reason stored on the message. Empty when not flagged.
func (r Result) Reason() string {
	if !r.IsFlagged {
		return ""
	}
	return fmt.Sprintf("risk score %d: %s", r.RiskScore, strings.Join(r.Rules, ", "))
}

// Scorer evaluates messages against one moderation policy.
type Scorer struct {
	policy   config.ModerationPolicy
	contact  []string
	urgency  *regexp.Regexp
	patterns []*regexp.Regexp
}

// NewScorer compiles the policy. Terms are lower-cased once here.
func NewScorer(policy config.ModerationPolicy) (*Scorer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	s := &Scorer{policy: policy}
	s.contact = lowerAll(policy.ContactTerms)
	s.urgency = wordMatcher(lowerAll(policy.UrgencyTerms))
	for _, expr := range policy.ContactPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// PolicyVersion returns the version of the policy the scorer was built from.
func (s *Scorer) PolicyVersion() string {
	return s.policy.Version
}

// Score computes the risk of content sent by a sender with the given history.
func (s *Scorer) Score(content string, history SenderHistory) Result {
	var (
		score int
		rules []string
		lower = strings.ToLower(content)
	)

	switch {
	case containsAny(lower, s.contact):
		score += s.policy.ContactWeight
		rules = append(rules, RuleContactTerm)
	case s.matchesPattern(lower):
		score += s.policy.ContactWeight
		rules = append(rules, RuleContactPattern)
	}

	if s.urgency != nil && s.urgency.MatchString(lower) {
		score += s.policy.UrgencyWeight
		rules = append(rules, RuleUrgency)
	}

	if history.FlaggedCount > 0 {
		score += min(history.FlaggedCount*s.policy.HistoryWeight, s.policy.HistoryCap)
		rules = append(rules, RuleSenderHistory)
	}

	if utf8.RuneCountInString(strings.TrimSpace(content)) < s.policy.ShortMessageLength {
		score += s.policy.ShortMessageWeight
		rules = append(rules, RuleShortMessage)
	}

	score = max(0, min(score, 100))
	return Result{
		RiskScore: score,
		IsFlagged: score >= s.policy.Threshold,
		Rules:     rules,
	}
}

func (s *Scorer) matchesPattern(lower string) bool {
	for _, re := range s.patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if term != "" && strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// wordMatcher matches any of the terms as whole words, so "now" does not hit
// "know" or "snow". Nil when there are no terms.
func wordMatcher(terms []string) *regexp.Regexp {
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		if term != "" {
			quoted = append(quoted, regexp.QuoteMeta(term))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	return out
}
