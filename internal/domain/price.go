package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPriceFormula is returned for malformed order types.
var ErrInvalidPriceFormula = errors.New("invalid price formula")

// PriceType selects which market column an order executes at.
type PriceType string

const (
	PriceTypePrice         PriceType = "price"
	PriceTypeMidpoint      PriceType = "midpoint"
	PriceTypeFullSpread    PriceType = "full_spread"
	PriceTypePartialSpread PriceType = "partial_spread"
)

// Timing selects when in the order interval the price is observed.
type Timing string

const (
	TimingStart Timing = "start"
	TimingEnd   Timing = "end"
	TimingTWAP  Timing = "twap"
)

// Market data columns used to price orders.
const (
	ColumnPrice    = "price"
	ColumnMidpoint = "midpoint"
	ColumnBid      = "bid"
	ColumnAsk      = "ask"
)

// PriceFormula is the parsed form of an order type such as
// "partial_spread_0.25@twap".
type PriceFormula struct {
	Type   PriceType
	Timing Timing
	// Fraction is the share of the spread paid by partial_spread orders.
	Fraction float64
}

// ParsePriceFormula parses "<price_type>@<timing>".
func ParsePriceFormula(s string) (PriceFormula, error) {
	priceType, timing, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(timing, "@") {
		return PriceFormula{}, fmt.Errorf("%w %q: want <price_type>@<timing>", ErrInvalidPriceFormula, s)
	}
	f := PriceFormula{Timing: Timing(timing)}
	switch f.Timing {
	case TimingStart, TimingEnd, TimingTWAP:
	default:
		return PriceFormula{}, fmt.Errorf("%w %q: unknown timing %q", ErrInvalidPriceFormula, s, timing)
	}
	switch {
	case priceType == string(PriceTypePrice), priceType == string(PriceTypeMidpoint), priceType == string(PriceTypeFullSpread):
		f.Type = PriceType(priceType)
	case strings.HasPrefix(priceType, string(PriceTypePartialSpread)+"_"):
		frac, err := strconv.ParseFloat(strings.TrimPrefix(priceType, string(PriceTypePartialSpread)+"_"), 64)
		if err != nil || frac < 0 || frac > 1 {
			return PriceFormula{}, fmt.Errorf("%w %q: spread fraction must be in [0, 1]", ErrInvalidPriceFormula, s)
		}
		f.Type = PriceTypePartialSpread
		f.Fraction = frac
	default:
		return PriceFormula{}, fmt.Errorf("%w %q: unknown price type %q", ErrInvalidPriceFormula, s, priceType)
	}
	return f, nil
}

func (f PriceFormula) String() string {
	pt := string(f.Type)
	if f.Type == PriceTypePartialSpread {
		pt += "_" + strconv.FormatFloat(f.Fraction, 'g', -1, 64)
	}
	return pt + "@" + string(f.Timing)
}

// Columns lists the market data columns needed to price an order of this
// formula on the given side.
func (f PriceFormula) Columns(buy bool) []string {
	switch f.Type {
	case PriceTypePrice:
		return []string{ColumnPrice}
	case PriceTypeMidpoint:
		return []string{ColumnMidpoint}
	case PriceTypeFullSpread:
		if buy {
			return []string{ColumnAsk}
		}
		return []string{ColumnBid}
	default:
		return []string{ColumnBid, ColumnAsk}
	}
}

// Execute combines the observed column values into an execution price.
// Buys cross toward the ask and sells toward the bid: with partial spread
// fraction p a buy pays p·ask + (1-p)·bid and a sell receives
// (1-p)·ask + p·bid.
func (f PriceFormula) Execute(buy bool, values map[string]float64) float64 {
	switch f.Type {
	case PriceTypePrice:
		return values[ColumnPrice]
	case PriceTypeMidpoint:
		return values[ColumnMidpoint]
	case PriceTypeFullSpread:
		if buy {
			return values[ColumnAsk]
		}
		return values[ColumnBid]
	default:
		bid, ask := values[ColumnBid], values[ColumnAsk]
		if buy {
			return f.Fraction*ask + (1-f.Fraction)*bid
		}
		return (1-f.Fraction)*ask + f.Fraction*bid
	}
}
