package wallet

import "math"

// DefaultPlanID is assigned to subjects without a paid plan.
const DefaultPlanID = "free_plan"

// maxQuotaMultiple caps a single mint at 12 months of quota, guarding
// against overpayment or a misreported amount.
const maxQuotaMultiple = 12

// TopUpTokensPerDollar converts top-up payments: 1 USD = 1,000,000 tokens.
const TopUpTokensPerDollar = 1_000_000

// PlanFeatures is the static capability set derived from a plan.
type PlanFeatures struct {
	Features              []string
	RateLimitRPM          int
	MaxConcurrentSessions int
}

var planFeatures = map[string]PlanFeatures{
	"free_plan": {
		Features:              []string{"basic_models"},
		RateLimitRPM:          60,
		MaxConcurrentSessions: 1,
	},
	"starter_plan": {
		Features:              []string{"basic_models", "priority_support"},
		RateLimitRPM:          120,
		MaxConcurrentSessions: 2,
	},
	"essentials_plan": {
		Features:              []string{"basic_models", "advanced_models", "priority_support"},
		RateLimitRPM:          180,
		MaxConcurrentSessions: 3,
	},
	"pro_plan": {
		Features:              []string{"all_models", "priority_support", "api_access"},
		RateLimitRPM:          300,
		MaxConcurrentSessions: 5,
	},
	"business_plan": {
		Features:              []string{"all_models", "priority_support", "api_access", "team_features"},
		RateLimitRPM:          600,
		MaxConcurrentSessions: 10,
	},
	"enterprise_plan": {
		Features:              []string{"all_models", "priority_support", "api_access", "team_features", "custom_models", "sla"},
		RateLimitRPM:          1200,
		MaxConcurrentSessions: 50,
	},
	"unlimited_plan": {
		Features:              []string{"all_models", "priority_support", "api_access", "team_features", "custom_models", "sla"},
		RateLimitRPM:          9999,
		MaxConcurrentSessions: 100,
	},
}

// FeaturesFor returns the feature table row for planID, falling back to the
// free plan for unknown ids.
func FeaturesFor(planID string) PlanFeatures {
	f, ok := planFeatures[planID]
	if !ok {
		f = planFeatures[DefaultPlanID]
	}
	out := f
	out.Features = append([]string(nil), f.Features...)
	return out
}

// KnownPlan reports whether planID has a feature table row.
func KnownPlan(planID string) bool {
	_, ok := planFeatures[planID]
	return ok
}

func entitlementFor(subject Subject, planID string) *Entitlement {
	f := FeaturesFor(planID)
	return &Entitlement{
		Subject:               subject,
		PlanID:                planID,
		Features:              f.Features,
		RateLimitRPM:          f.RateLimitRPM,
		MaxConcurrentSessions: f.MaxConcurrentSessions,
	}
}

func defaultBalance(subject Subject) *Balance {
	f := FeaturesFor(DefaultPlanID)
	return &Balance{
		Subject:               subject,
		PlanID:                DefaultPlanID,
		Features:              f.Features,
		RateLimitRPM:          f.RateLimitRPM,
		MaxConcurrentSessions: f.MaxConcurrentSessions,
	}
}

// TokensForPayment computes floor(quota * clamp(amount/price, 0, 1)),
// capped at maxQuotaMultiple * quota. A non-positive price yields zero.
func TokensForPayment(plan *Plan, amountCents int64) int64 {
	if plan == nil || plan.PriceCents <= 0 || amountCents <= 0 || plan.MonthlyQuotaTokens <= 0 {
		return 0
	}
	var tokens int64
	if amountCents >= plan.PriceCents {
		tokens = plan.MonthlyQuotaTokens
	} else {
		// quota*amount fits in int64 for any realistic catalog; fall back to
		// float math only if it would not.
		if plan.MonthlyQuotaTokens > math.MaxInt64/amountCents {
			tokens = int64(math.Floor(float64(plan.MonthlyQuotaTokens) * float64(amountCents) / float64(plan.PriceCents)))
		} else {
			tokens = plan.MonthlyQuotaTokens * amountCents / plan.PriceCents
		}
	}
	if limit := plan.MonthlyQuotaTokens * maxQuotaMultiple; tokens > limit {
		tokens = limit
	}
	return tokens
}

// TokensForTopUp converts a top-up amount in cents to tokens.
func TokensForTopUp(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return amountCents * TopUpTokensPerDollar / 100
}
