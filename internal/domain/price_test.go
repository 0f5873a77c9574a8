package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriceFormula(t *testing.T) {
	f, err := ParsePriceFormula("partial_spread_0.25@twap")
	require.NoError(t, err)
	assert.Equal(t, PriceFormula{Type: PriceTypePartialSpread, Timing: TimingTWAP, Fraction: 0.25}, f)
	assert.Equal(t, "partial_spread_0.25@twap", f.String())

	for _, s := range []string{"price@start", "midpoint@end", "full_spread@twap", "partial_spread_0@end", "partial_spread_1@end"} {
		f, err := ParsePriceFormula(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, f.String())
	}

	for _, s := range []string{"", "price", "price@", "@end", "price@end@end", "partial_spread@end", "partial_spread_x@end", "partial_spread_-0.1@end"} {
		_, err := ParsePriceFormula(s)
		assert.True(t, errors.Is(err, ErrInvalidPriceFormula), "%q: %v", s, err)
	}
}

func TestPriceFormulaExecute(t *testing.T) {
	values := map[string]float64{ColumnPrice: 100, ColumnMidpoint: 100.5, ColumnBid: 100, ColumnAsk: 101}

	must := func(s string) PriceFormula {
		f, err := ParsePriceFormula(s)
		require.NoError(t, err)
		return f
	}

	assert.Equal(t, 100.0, must("price@end").Execute(true, values))
	assert.Equal(t, 100.5, must("midpoint@end").Execute(false, values))
	assert.Equal(t, 101.0, must("full_spread@end").Execute(true, values))
	assert.Equal(t, 100.0, must("full_spread@end").Execute(false, values))
	assert.Equal(t, []string{ColumnAsk}, must("full_spread@end").Columns(true))

	ps := must("partial_spread_0.25@end")
	assert.InDelta(t, 100.25, ps.Execute(true, values), 1e-12)
	assert.InDelta(t, 100.75, ps.Execute(false, values), 1e-12)
	assert.Equal(t, []string{ColumnBid, ColumnAsk}, ps.Columns(true))

	// Fraction 1 is the full spread; fraction 0.5 is the midpoint.
	assert.Equal(t, 101.0, must("partial_spread_1@end").Execute(true, values))
	assert.InDelta(t, 100.5, must("partial_spread_0.5@end").Execute(false, values), 1e-12)
}
