package billing

import (
	"fmt"
	"strings"
)

// Tier is an ordered entitlement level.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
	TierMax  Tier = "max"
)

// LowestPaidTier is assigned when a paid price has no catalog mapping.
const LowestPaidTier = TierPlus

var tierRank = map[Tier]int{
	TierFree: 0,
	TierPlus: 1,
	TierPro:  2,
	TierMax:  3,
}

// ParseTier parses a tier identifier (case-insensitive).
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the position of t in the tier order, or -1 for unknown tiers.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t grants everything min grants.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank() && t.Rank() >= 0
}

// Paid reports whether t requires a processor subscription.
func (t Tier) Paid() bool {
	return t.Rank() > 0
}

func (t Tier) String() string {
	return string(t)
}
