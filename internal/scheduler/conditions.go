package scheduler

import "megaphone/internal/types"

// ShouldSkip evaluates a step's skip rule against the account's current plan.
// Rules are checked immediately before each send, not at enrollment time,
// because the account can change in between.
//
// A nil rule never skips. Unknown rule kinds never skip, so adding a rule
// variant is backward compatible with in-flight enrollments.
func ShouldSkip(rule *types.SkipRule, plan *types.PlanTier) bool {
	if rule == nil {
		return false
	}
	switch rule.Kind {
	case types.SkipIfSubscribedTo:
		if plan == nil {
			return false
		}
		for _, tier := range rule.Tiers {
			if tier == *plan {
				return true
			}
		}
		return false
	default:
		return false
	}
}
