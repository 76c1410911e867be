package payload

import (
	"fmt"
	"math/big"
)

// CoveragePolicy is the sponsor side of a price split
type CoveragePolicy struct {
	Type    CoverageType
	Percent int
}

// Validate checks the policy invariants: percent in [0,100] and only meaningful for percent coverage
func (p CoveragePolicy) Validate() error {
	switch p.Type {
	case CoverageFull:
		return nil
	case CoveragePercent:
		if p.Percent < 0 || p.Percent > 100 {
			return fmt.Errorf("coverage percent must be between 0 and 100, got %d", p.Percent)
		}
		return nil
	default:
		return fmt.Errorf("unknown coverage type: %q", p.Type)
	}
}

// Coverage is the sponsor/user division of a price.
// SponsorAmount + UserAmount always equals the price.
type Coverage struct {
	SponsorAmount *big.Int
	UserAmount    *big.Int
}

// Snapshot returns the split with decimal-string amounts
func (c Coverage) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"sponsorAmount": c.SponsorAmount.String(),
		"userAmount":    c.UserAmount.String(),
	}
}

var hundred = big.NewInt(100)

// ComputeCoverage splits price between sponsor and user using integer arithmetic only.
// For percent coverage the sponsor share is floor(price*percent/100).
func ComputeCoverage(price *big.Int, policy CoveragePolicy) (Coverage, error) {
	if price == nil || price.Sign() < 0 {
		return Coverage{}, ErrInvalidAmount
	}
	if err := policy.Validate(); err != nil {
		return Coverage{}, err
	}

	sponsor := new(big.Int)
	switch policy.Type {
	case CoverageFull:
		sponsor.Set(price)
	case CoveragePercent:
		sponsor.Mul(price, big.NewInt(int64(policy.Percent)))
		sponsor.Quo(sponsor, hundred) // price >= 0 so truncation is floor
	}

	return Coverage{
		SponsorAmount: sponsor,
		UserAmount:    new(big.Int).Sub(price, sponsor),
	}, nil
}

// CanRedeem reports whether a user with pastCompleted completed settlements may redeem again
func CanRedeem(recurrence Recurrence, pastCompleted int64) bool {
	switch recurrence {
	case RecurrencePerRequest:
		return true
	case RecurrenceOneTimePerUser:
		return pastCompleted == 0
	default:
		return false
	}
}
