package billingcycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		anchor    int
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"anchor 1 mid month", 1, time.Date(2025, time.April, 17, 13, 0, 0, 0, time.UTC), date(2025, time.April, 1), date(2025, time.May, 1)},
		{"anchor 1 on the anchor", 1, date(2025, time.April, 1), date(2025, time.April, 1), date(2025, time.May, 1)},
		{"anchor 28 before anchor", 28, date(2025, time.March, 27), date(2025, time.February, 28), date(2025, time.March, 28)},
		{"anchor 29 non leap february", 29, date(2025, time.March, 1), date(2025, time.February, 28), date(2025, time.March, 29)},
		{"anchor 29 leap february", 29, date(2024, time.February, 29), date(2024, time.February, 29), date(2024, time.March, 29)},
		{"anchor 30 in february", 30, date(2025, time.February, 28), date(2025, time.February, 28), date(2025, time.March, 30)},
		{"anchor 30 end of january", 30, date(2025, time.February, 10), date(2025, time.January, 30), date(2025, time.February, 28)},
		{"anchor 31 march 15 non leap", 31, date(2025, time.March, 15), date(2025, time.February, 28), date(2025, time.March, 31)},
		{"anchor 31 march 15 leap", 31, date(2024, time.March, 15), date(2024, time.February, 29), date(2024, time.March, 31)},
		{"anchor 31 in 30 day month", 31, date(2025, time.May, 2), date(2025, time.April, 30), date(2025, time.May, 31)},
		{"anchor 31 on day 31", 31, time.Date(2025, time.July, 31, 8, 0, 0, 0, time.UTC), date(2025, time.July, 31), date(2025, time.August, 31)},
		{"anchor 31 september", 31, date(2025, time.September, 30), date(2025, time.September, 30), date(2025, time.October, 31)},
		{"december to january", 15, date(2026, time.January, 10), date(2025, time.December, 15), date(2026, time.January, 15)},
		{"december rollover end", 20, date(2025, time.December, 25), date(2025, time.December, 20), date(2026, time.January, 20)},
		{"anchor 31 across year", 31, date(2026, time.January, 5), date(2025, time.December, 31), date(2026, time.January, 31)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Resolve(tt.anchor, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
			assert.True(t, p.Contains(tt.now))
		})
	}
}

func TestResolveNonUTCInput(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	// 2025-03-31 22:00 BRT is 2025-04-01 01:00 UTC.
	now := time.Date(2025, time.March, 31, 22, 0, 0, 0, loc)

	p, err := Resolve(1, now)
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.April, 1), p.Start)
	assert.Equal(t, date(2025, time.May, 1), p.End)
}

func TestResolveInvalidAnchor(t *testing.T) {
	for _, day := range []int{0, -1, 32} {
		_, err := Resolve(day, date(2025, time.January, 1))
		assert.ErrorIs(t, err, ErrInvalidAnchorDay)
	}
}

func TestNextIsContiguous(t *testing.T) {
	for _, anchor := range []int{1, 28, 29, 30, 31} {
		p, err := Resolve(anchor, date(2024, time.January, 1))
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			next, err := Next(anchor, p)
			require.NoError(t, err)
			assert.Equal(t, p.End, next.Start, "anchor %d step %d", anchor, i)
			assert.True(t, next.End.After(next.Start))
			p = next
		}
	}
}

func TestPeriodKey(t *testing.T) {
	p, err := Resolve(31, date(2025, time.March, 15))
	require.NoError(t, err)
	assert.Equal(t, "2025-02-28", p.Key())
}

func TestPreviousIsContiguous(t *testing.T) {
	for _, anchor := range []int{1, 15, 29, 31} {
		p, err := Resolve(anchor, date(2025, time.April, 20))
		require.NoError(t, err)
		prev, err := Previous(anchor, p)
		require.NoError(t, err)
		assert.Equal(t, p.Start, prev.End, "anchor %d", anchor)

		next, err := Next(anchor, prev)
		require.NoError(t, err)
		assert.Equal(t, p, next, "anchor %d", anchor)
	}
}
