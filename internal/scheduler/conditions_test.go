package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"megaphone/internal/types"
)

func planPtr(p types.PlanTier) *types.PlanTier { return &p }

func TestShouldSkip(t *testing.T) {
	subscribedToPro := &types.SkipRule{
		Kind:  types.SkipIfSubscribedTo,
		Tiers: []types.PlanTier{types.PlanPro, types.PlanBusiness},
	}

	cases := []struct {
		name string
		rule *types.SkipRule
		plan *types.PlanTier
		want bool
	}{
		{"nil rule never skips", nil, planPtr(types.PlanPro), false},
		{"plan in rule tiers skips", subscribedToPro, planPtr(types.PlanPro), true},
		{"second listed tier skips", subscribedToPro, planPtr(types.PlanBusiness), true},
		{"plan outside rule tiers", subscribedToPro, planPtr(types.PlanStarter), false},
		{"no active plan", subscribedToPro, nil, false},
		{"empty tier list", &types.SkipRule{Kind: types.SkipIfSubscribedTo}, planPtr(types.PlanPro), false},
		{"unknown rule kind never skips", &types.SkipRule{Kind: "skip_if_trialing"}, planPtr(types.PlanPro), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldSkip(tc.rule, tc.plan))
		})
	}
}
