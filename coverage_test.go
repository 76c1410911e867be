package payload

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCoverage_Full(t *testing.T) {
	cov, err := ComputeCoverage(big.NewInt(1_000_000), CoveragePolicy{Type: CoverageFull})
	require.NoError(t, err)
	assert.Equal(t, "1000000", cov.SponsorAmount.String())
	assert.Equal(t, "0", cov.UserAmount.String())
}

func TestComputeCoverage_PercentScenario(t *testing.T) {
	cov, err := ComputeCoverage(big.NewInt(1_000_000), CoveragePolicy{Type: CoveragePercent, Percent: 50})
	require.NoError(t, err)
	assert.Equal(t, "500000", cov.SponsorAmount.String())
	assert.Equal(t, "500000", cov.UserAmount.String())
}

func TestComputeCoverage_SplitInvariant(t *testing.T) {
	prices := []int64{0, 1, 3, 7, 99, 100, 101, 333_333, 1_000_000, 999_999_999, 1<<62 + 7}
	for _, p := range prices {
		for k := 0; k <= 100; k++ {
			price := big.NewInt(p)
			cov, err := ComputeCoverage(price, CoveragePolicy{Type: CoveragePercent, Percent: k})
			require.NoError(t, err)

			sum := new(big.Int).Add(cov.SponsorAmount, cov.UserAmount)
			assert.Equal(t, 0, sum.Cmp(price), "sponsor+user must equal price for p=%d k=%d", p, k)

			want := new(big.Int).Mul(price, big.NewInt(int64(k)))
			want.Div(want, big.NewInt(100))
			assert.Equal(t, 0, cov.SponsorAmount.Cmp(want), "sponsor must be floor(p*k/100) for p=%d k=%d", p, k)
		}
	}
}

func TestComputeCoverage_RoundsDownForSponsor(t *testing.T) {
	cov, err := ComputeCoverage(big.NewInt(3), CoveragePolicy{Type: CoveragePercent, Percent: 50})
	require.NoError(t, err)
	assert.Equal(t, "1", cov.SponsorAmount.String())
	assert.Equal(t, "2", cov.UserAmount.String())
}

func TestComputeCoverage_Invalid(t *testing.T) {
	_, err := ComputeCoverage(big.NewInt(-1), CoveragePolicy{Type: CoverageFull})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ComputeCoverage(nil, CoveragePolicy{Type: CoverageFull})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ComputeCoverage(big.NewInt(10), CoveragePolicy{Type: CoveragePercent, Percent: 101})
	assert.Error(t, err)

	_, err = ComputeCoverage(big.NewInt(10), CoveragePolicy{Type: "half"})
	assert.Error(t, err)
}

func TestCanRedeem(t *testing.T) {
	for n := int64(0); n < 5; n++ {
		assert.True(t, CanRedeem(RecurrencePerRequest, n))
		assert.Equal(t, n == 0, CanRedeem(RecurrenceOneTimePerUser, n))
	}
	assert.False(t, CanRedeem("weekly", 0), "unknown recurrence fails closed")
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("5000000")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), v)

	for _, bad := range []string{"", "-1", "+1", "1.5", "1e6", " 1", "abc", "99999999999999999999"} {
		_, err := ParseAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, "input %q", bad)
	}
}

func TestBigToAmount(t *testing.T) {
	v, err := BigToAmount(big.NewInt(4_500_000))
	require.NoError(t, err)
	assert.Equal(t, int64(4_500_000), v)

	tooBig, _ := new(big.Int).SetString("99999999999999999999", 10)
	for _, bad := range []*big.Int{nil, big.NewInt(-1), tooBig} {
		_, err := BigToAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestDisplayAmount(t *testing.T) {
	assert.Equal(t, "1.5", DisplayAmount(1_500_000, DefaultDecimals))
	assert.Equal(t, "0", DisplayAmount(0, DefaultDecimals))
	assert.Equal(t, "0.000001", DisplayAmount(1, DefaultDecimals))
}
