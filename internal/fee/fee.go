// Package fee computes maker and taker fees in the same fixed-point units as
// trade notional.
//
// Rates are integers scaled by RateScale: a rate of 100_000 is 0.001, i.e.
// 0.1% of notional. Fees truncate toward zero.
package fee

import (
	"fmt"
	"math/bits"

	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/shopspring/decimal"
)

const (
	RateDecimals = 8
	RateScale    = uint64(100_000_000)
)

// Rate is a fee fraction scaled by RateScale.
type Rate uint64

type Schedule struct {
	MakerRate Rate
	TakerRate Rate
}

// NewSchedule parses fractional rates such as "0.001".
func NewSchedule(maker, taker string) (Schedule, error) {
	m, err := ParseRate(maker)
	if err != nil {
		return Schedule{}, fmt.Errorf("maker fee: %w", err)
	}
	t, err := ParseRate(taker)
	if err != nil {
		return Schedule{}, fmt.Errorf("taker fee: %w", err)
	}
	return Schedule{MakerRate: m, TakerRate: t}, nil
}

// ParseRate converts a decimal fraction to a Rate without rounding.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("rate %q is negative", s)
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("rate %q exceeds 100%%", s)
	}
	scaled := d.Shift(RateDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("rate %q has more than %d decimal places", s, RateDecimals)
	}
	return Rate(scaled.IntPart()), nil
}

func (r Rate) String() string {
	return decimal.New(int64(r), -RateDecimals).String()
}

func (s Schedule) RateFor(role model.Role) Rate {
	if role == model.MAKER {
		return s.MakerRate
	}
	return s.TakerRate
}

// Fee returns notional * rate(role), truncated. The product is taken in
// 128 bits so it cannot overflow for rates up to 100%.
func (s Schedule) Fee(role model.Role, notional uint64) uint64 {
	rate := uint64(s.RateFor(role))
	if rate > RateScale {
		rate = RateScale
	}
	hi, lo := bits.Mul64(notional, rate)
	q, _ := bits.Div64(hi, lo, RateScale)
	return q
}

// Notional returns price x quantity, failing when it does not fit in 64 bits.
func Notional(price model.Price, quantity model.Quantity) (uint64, error) {
	hi, lo := bits.Mul64(uint64(price), uint64(quantity))
	if hi != 0 {
		return 0, fmt.Errorf("notional of %d x %d overflows", price, quantity)
	}
	return lo, nil
}
