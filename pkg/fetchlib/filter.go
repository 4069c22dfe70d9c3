package fetchlib

import "sort"

// MatchResult records one matched message together with the provenance of
// the rule that matched it. Provenance feeds destination naming only; it is
// not load-bearing for selection.
type MatchResult struct {
	Message  *Message
	RuleID   string
	RuleName string
	// Keyword is the matched keyword of the winning rule, empty when that
	// rule has no keyword predicate.
	Keyword string
}

// FilterEngine composes multiple rules over a candidate message set:
// OR across rules, AND within a rule.
type FilterEngine struct{}

// NewFilterEngine creates a FilterEngine.
func NewFilterEngine() *FilterEngine {
	return &FilterEngine{}
}

// Apply evaluates every active rule against every candidate message and
// returns the union of matches, one result per message. When several rules
// match the same message, the highest-priority rule supplies the provenance;
// ties keep the first rule evaluated. Candidates without media are skipped
// before any rule runs. An empty rule set yields an empty, non-error result.
func (e *FilterEngine) Apply(rules []*Rule, msgs []*Message, dateOverride *DateRange) []*MatchResult {
	active := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	// Stable sort keeps the original order among equal priorities.
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})

	results := make([]*MatchResult, 0)
	seen := make(map[int64]struct{})
	for _, msg := range msgs {
		if !msg.HasMedia() {
			continue
		}
		if _, dup := seen[msg.SourceMessageID]; dup {
			continue
		}
		for _, rule := range active {
			m := EvaluateRule(rule, msg, dateOverride)
			if !m.Matched {
				continue
			}
			seen[msg.SourceMessageID] = struct{}{}
			results = append(results, &MatchResult{
				Message:  msg,
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Keyword:  m.Keyword,
			})
			break
		}
	}
	return results
}
