package billingcycle

import (
	"errors"
	"time"
)

var ErrInvalidAnchorDay = errors.New("invalid_anchor_day")

const (
	MinAnchorDay = 1
	MaxAnchorDay = 31
)

// Period is a half-open billing window [Start, End) at midnight UTC.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start) && t.Before(p.End)
}

// Key identifies the period in charge metadata and logs.
func (p Period) Key() string {
	return p.Start.Format("2006-01-02")
}

func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Resolve returns the billing period containing now for a subscription anchored
// on anchorDay. Anchors past the end of a shorter month clamp to its last day,
// for both the start and the end of the period.
func Resolve(anchorDay int, now time.Time) (Period, error) {
	if err := ValidateAnchorDay(anchorDay); err != nil {
		return Period{}, err
	}

	n := now.UTC()
	start := anchorDate(n.Year(), n.Month(), anchorDay)
	if start.After(n) {
		start = anchorDate(n.Year(), n.Month()-1, anchorDay)
	}
	end := anchorDate(start.Year(), start.Month()+1, anchorDay)

	return Period{Start: start, End: end}, nil
}

// Next returns the period that immediately follows p.
func Next(anchorDay int, p Period) (Period, error) {
	return Resolve(anchorDay, p.End)
}

// Previous returns the period that immediately precedes p.
func Previous(anchorDay int, p Period) (Period, error) {
	return Resolve(anchorDay, p.Start.Add(-time.Nanosecond))
}

func ValidateAnchorDay(day int) error {
	if day < MinAnchorDay || day > MaxAnchorDay {
		return ErrInvalidAnchorDay
	}
	return nil
}

// ProvisionalAnchorDay is used for accounts that have not been provisioned yet.
func ProvisionalAnchorDay(createdAt time.Time) int {
	return createdAt.UTC().Day()
}

func anchorDate(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}
