package services

import (
	"sort"

	"auction-engine/internal/config"

	"github.com/shopspring/decimal"
)

type incrementTier struct {
	below     decimal.Decimal // zero means no ceiling
	increment decimal.Decimal
}

// IncrementRules derives a minimum increment from price tiers when an
// organizer does not set one.
type IncrementRules struct {
	tiers []incrementTier
}

var defaultIncrement = decimal.NewFromInt(5)

func NewIncrementRules(tiers []config.IncrementTier) *IncrementRules {
	rules := &IncrementRules{}
	for _, t := range tiers {
		if t.Increment <= 0 {
			continue
		}
		rules.tiers = append(rules.tiers, incrementTier{
			below:     decimal.NewFromFloat(t.Below),
			increment: decimal.NewFromFloat(t.Increment),
		})
	}
	// Bounded tiers ascending, the open-ended tier last.
	sort.SliceStable(rules.tiers, func(i, j int) bool {
		bi, bj := rules.tiers[i].below, rules.tiers[j].below
		if bi.IsZero() || bj.IsZero() {
			return !bi.IsZero() && bj.IsZero()
		}
		return bi.LessThan(bj)
	})
	return rules
}

// GetIncrementRule returns the increment for a price level.
func (r *IncrementRules) GetIncrementRule(amount decimal.Decimal) decimal.Decimal {
	for _, t := range r.tiers {
		if t.below.IsZero() || amount.LessThan(t.below) {
			return t.increment
		}
	}
	if n := len(r.tiers); n > 0 {
		return r.tiers[n-1].increment
	}
	return defaultIncrement
}
