package fetchlib

import "strings"

// Rule is a named, reusable predicate set deciding whether a message is of
// interest. All configured predicates of a rule must hold for a match.
type Rule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"is_active"`
	// Keywords match case-sensitively as substrings of the message text,
	// sender name, or media filename. Empty means no keyword requirement.
	Keywords []string `json:"keywords"`
	// ExcludeKeywords reject a message outright when present in the same
	// fields, regardless of keyword matches.
	ExcludeKeywords []string `json:"exclude_keywords"`
	// MediaTypes restricts matches to the listed types when non-empty.
	MediaTypes []MediaType `json:"media_types"`
	// SenderFilter, when non-empty, requires an exact sender name match.
	SenderFilter string `json:"sender_filter,omitempty"`
	// View count bounds, inclusive. Nil means unbounded.
	MinViews *int64 `json:"min_views,omitempty"`
	MaxViews *int64 `json:"max_views,omitempty"`
	// Byte size bounds, inclusive. Nil means unbounded.
	MinSize *int64 `json:"min_size,omitempty"`
	MaxSize *int64 `json:"max_size,omitempty"`
	// DateRange bounds the message timestamp unless a task-level range
	// overrides it.
	DateRange *DateRange `json:"date_range,omitempty"`
	// IncludeForwarded set to false rejects forwarded messages.
	IncludeForwarded bool `json:"include_forwarded"`
}

// RuleMatch is the outcome of evaluating one rule against one message.
type RuleMatch struct {
	Matched bool
	// Keyword is the first configured keyword found in the message,
	// empty when the rule has no keyword predicate.
	Keyword string
}

// searchFields returns the message fields scanned by keyword predicates.
func searchFields(msg *Message) [3]string {
	var filename string
	if msg.Media != nil {
		filename = msg.Media.Filename
	}
	return [3]string{msg.Text, msg.SenderName, filename}
}

func containsKeyword(fields [3]string, keyword string) bool {
	for _, f := range fields {
		if f != "" && strings.Contains(f, keyword) {
			return true
		}
	}
	return false
}

// EvaluateRule applies one rule's predicates to one message, short-circuiting
// on the first failing predicate. dateOverride, when non-nil, replaces the
// rule's own date range entirely.
func EvaluateRule(rule *Rule, msg *Message, dateOverride *DateRange) RuleMatch {
	fields := searchFields(msg)

	var keyword string
	if len(rule.Keywords) > 0 {
		for _, kw := range rule.Keywords {
			if containsKeyword(fields, kw) {
				keyword = kw
				break
			}
		}
		if keyword == "" {
			return RuleMatch{}
		}
	}

	// Exclusions apply even when no inclusion keywords are configured.
	for _, kw := range rule.ExcludeKeywords {
		if containsKeyword(fields, kw) {
			return RuleMatch{}
		}
	}

	if len(rule.MediaTypes) > 0 {
		if msg.Media == nil {
			return RuleMatch{}
		}
		var found bool
		for _, mt := range rule.MediaTypes {
			if msg.Media.Type == mt {
				found = true
				break
			}
		}
		if !found {
			return RuleMatch{}
		}
	}

	if rule.SenderFilter != "" && msg.SenderName != rule.SenderFilter {
		return RuleMatch{}
	}

	// A source that exposes no view count satisfies any view bound.
	if msg.Views != nil {
		if rule.MinViews != nil && *msg.Views < *rule.MinViews {
			return RuleMatch{}
		}
		if rule.MaxViews != nil && *msg.Views > *rule.MaxViews {
			return RuleMatch{}
		}
	}

	if msg.Media != nil {
		if rule.MinSize != nil && msg.Media.Size < *rule.MinSize {
			return RuleMatch{}
		}
		if rule.MaxSize != nil && msg.Media.Size > *rule.MaxSize {
			return RuleMatch{}
		}
	}

	dateRange := rule.DateRange
	if dateOverride != nil {
		dateRange = dateOverride
	}
	if !dateRange.Contains(msg.SentAt) {
		return RuleMatch{}
	}

	if !rule.IncludeForwarded && msg.Forwarded {
		return RuleMatch{}
	}

	return RuleMatch{Matched: true, Keyword: keyword}
}
