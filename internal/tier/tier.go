package tier

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTierSize   = errors.New("invalid_tier_size")
	ErrInvalidTierAmount = errors.New("invalid_tier_amount")
)

var million = decimal.NewFromInt(1_000_000)

// Crossing is an overage band that became owed.
type Crossing struct {
	Index       int64  `json:"index"`
	Label       string `json:"tier_label"`
	LowerBound  int64  `json:"lower_bound_tokens"`
	UpperBound  int64  `json:"upper_bound_tokens"`
	AmountCents int64  `json:"amount_cents"`
}

// Calculator maps cumulative usage to fixed-size overage bands above an
// allowance. Band k covers (allowance+(k-1)*TierSize, allowance+k*TierSize]
// and is owed as soon as usage exceeds its lower edge.
type Calculator struct {
	TierSize    int64
	AmountCents int64
}

func New(tierSize, amountCents int64) (Calculator, error) {
	if tierSize <= 0 {
		return Calculator{}, ErrInvalidTierSize
	}
	if amountCents < 0 {
		return Calculator{}, ErrInvalidTierAmount
	}
	return Calculator{TierSize: tierSize, AmountCents: amountCents}, nil
}

// CurrentLabel returns "0-{allowance}" while usage is covered, otherwise the
// label of the band usage currently sits in.
func (c Calculator) CurrentLabel(tokensUsed, allowance int64) string {
	idx := c.bandIndex(tokensUsed, allowance)
	if idx == 0 {
		return FormatTokens(0) + "-" + FormatTokens(allowance)
	}
	return c.band(idx, allowance).Label
}

// Crossed lists every band entered between two cumulative totals in ascending
// order. A decreasing or equal total crosses nothing.
func (c Calculator) Crossed(before, after, allowance int64) []Crossing {
	if c.TierSize <= 0 || after <= before {
		return nil
	}
	from := c.bandIndex(before, allowance)
	to := c.bandIndex(after, allowance)
	if to <= from {
		return nil
	}

	out := make([]Crossing, 0, to-from)
	for idx := from + 1; idx <= to; idx++ {
		out = append(out, c.band(idx, allowance))
	}
	return out
}

// Owed lists every band owed for a cumulative total.
func (c Calculator) Owed(tokensUsed, allowance int64) []Crossing {
	return c.Crossed(0, tokensUsed, allowance)
}

// BandFor returns the band containing tokensUsed and false when usage is
// still within the allowance.
func (c Calculator) BandFor(tokensUsed, allowance int64) (Crossing, bool) {
	idx := c.bandIndex(tokensUsed, allowance)
	if idx == 0 {
		return Crossing{}, false
	}
	return c.band(idx, allowance), true
}

func (c Calculator) bandIndex(tokensUsed, allowance int64) int64 {
	if c.TierSize <= 0 || tokensUsed <= allowance {
		return 0
	}
	excess := tokensUsed - allowance
	return (excess + c.TierSize - 1) / c.TierSize
}

func (c Calculator) band(idx, allowance int64) Crossing {
	lower := allowance + (idx-1)*c.TierSize
	upper := lower + c.TierSize
	return Crossing{
		Index:       idx,
		Label:       FormatTokens(lower) + "-" + FormatTokens(upper),
		LowerBound:  lower,
		UpperBound:  upper,
		AmountCents: c.AmountCents,
	}
}

// FormatTokens renders token counts in millions, e.g. 8000000 -> "8M" and
// 8500000 -> "8.5M".
func FormatTokens(tokens int64) string {
	if tokens == 0 {
		return "0"
	}
	return decimal.NewFromInt(tokens).Div(million).String() + "M"
}

// Total sums the amount owed for a list of crossings.
func Total(crossings []Crossing) int64 {
	var total int64
	for _, c := range crossings {
		total += c.AmountCents
	}
	return total
}
