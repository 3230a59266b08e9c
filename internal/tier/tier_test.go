package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	allowance = int64(8_000_000)
	tierSize  = int64(8_000_000)
)

func newCalculator(t *testing.T) Calculator {
	t.Helper()
	c, err := New(tierSize, 10000)
	require.NoError(t, err)
	return c
}

func labels(crossings []Crossing) []string {
	out := make([]string, 0, len(crossings))
	for _, c := range crossings {
		out = append(out, c.Label)
	}
	return out
}

func TestCurrentLabel(t *testing.T) {
	c := newCalculator(t)

	tests := []struct {
		used int64
		want string
	}{
		{0, "0-8M"},
		{allowance, "0-8M"},
		{allowance + 1, "8M-16M"},
		{16_000_000, "8M-16M"},
		{16_000_001, "16M-24M"},
		{30_000_000, "24M-32M"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.CurrentLabel(tt.used, allowance), "used=%d", tt.used)
	}
}

func TestCrossedBoundaryExactness(t *testing.T) {
	c := newCalculator(t)

	assert.Empty(t, c.Crossed(0, allowance, allowance))

	crossed := c.Crossed(0, allowance+1, allowance)
	require.Len(t, crossed, 1)
	assert.Equal(t, "8M-16M", crossed[0].Label)
	assert.Equal(t, int64(10000), crossed[0].AmountCents)
	assert.Equal(t, allowance, crossed[0].LowerBound)
	assert.Equal(t, allowance+tierSize, crossed[0].UpperBound)
}

func TestCrossedMultiTierJump(t *testing.T) {
	c := newCalculator(t)

	crossed := c.Crossed(allowance-10, allowance+2*tierSize+10, allowance)
	assert.Equal(t, []string{"8M-16M", "16M-24M", "24M-32M"}, labels(crossed))
	for i := 1; i < len(crossed); i++ {
		assert.Less(t, crossed[i-1].UpperBound, crossed[i].UpperBound)
	}

	// both interior boundaries are charged exactly once
	var interior int
	for _, cr := range crossed {
		if cr.LowerBound == allowance+tierSize || cr.LowerBound == allowance+2*tierSize {
			interior++
		}
	}
	assert.Equal(t, 2, interior)
}

func TestCrossedWithinSameBand(t *testing.T) {
	c := newCalculator(t)

	assert.Empty(t, c.Crossed(allowance+1, allowance+500, allowance))
	assert.Empty(t, c.Crossed(allowance+500, allowance+1, allowance))
	assert.Equal(t, []string{"16M-24M"}, labels(c.Crossed(16_000_000, 16_000_001, allowance)))
}

func TestCrossedIsDeterministic(t *testing.T) {
	c := newCalculator(t)

	first := c.Crossed(1_000, 40_000_000, allowance)
	second := c.Crossed(1_000, 40_000_000, allowance)
	assert.Equal(t, first, second)
	assert.Equal(t, c.Owed(40_000_000, allowance), first)
	assert.Equal(t, int64(40000), Total(first))
}

func TestCrossedRespectsRaisedAllowance(t *testing.T) {
	c := newCalculator(t)

	crossed := c.Crossed(0, 16_000_001, 16_000_000)
	assert.Equal(t, []string{"16M-24M"}, labels(crossed))
	assert.Equal(t, "0-16M", c.CurrentLabel(12_000_000, 16_000_000))
}

func TestFormatTokens(t *testing.T) {
	assert.Equal(t, "0", FormatTokens(0))
	assert.Equal(t, "8M", FormatTokens(8_000_000))
	assert.Equal(t, "8.5M", FormatTokens(8_500_000))
	assert.Equal(t, "120M", FormatTokens(120_000_000))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(0, 10000)
	assert.ErrorIs(t, err, ErrInvalidTierSize)
	_, err = New(10, -1)
	assert.ErrorIs(t, err, ErrInvalidTierAmount)
}
