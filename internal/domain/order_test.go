package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	ny    = time.FixedZone("EST", -5*3600)
	start = time.Date(2024, 1, 2, 9, 35, 0, 0, ny)
	end   = start.Add(5 * time.Minute)
)

func TestIDGeneratorIsMonotonic(t *testing.T) {
	g := NewIDGenerator(1)
	assert.Equal(t, int64(1), g.Next())
	assert.Equal(t, int64(2), g.Next())

	other := NewIDGenerator(1)
	assert.Equal(t, int64(1), other.Next(), "generators are independent")
}

func TestNewOrderValidates(t *testing.T) {
	ids := NewIDGenerator(1)
	o, err := NewOrder(ids, start, 101, "price@twap", start, end, -10)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, o.StartTimestamp.Location())
	assert.False(t, o.IsBuy())

	cases := map[string]struct {
		type_  string
		s, e   time.Time
		shares float64
	}{
		"zero shares":   {"price@twap", start, end, 0},
		"nan shares":    {"price@twap", start, end, math.NaN()},
		"empty window":  {"price@twap", start, start, 1},
		"reversed":      {"price@twap", end, start, 1},
		"bad type":      {"vwap@twap", start, end, 1},
		"bad timing":    {"price@close", start, end, 1},
		"bad fraction":  {"partial_spread_1.5@end", start, end, 1},
		"missing at":    {"price", start, end, 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewOrder(ids, start, 101, tc.type_, tc.s, tc.e, tc.shares)
			assert.Error(t, err)
		})
	}
}

func TestOrderStringFormat(t *testing.T) {
	o := Order{
		ID:                7,
		CreationTimestamp: time.Date(2024, 1, 2, 14, 35, 0, 0, time.UTC),
		AssetID:           101,
		Type:              "price@twap",
		StartTimestamp:    time.Date(2024, 1, 2, 14, 35, 0, 0, time.UTC),
		EndTimestamp:      time.Date(2024, 1, 2, 14, 40, 0, 0, time.UTC),
		NumShares:         -2.5,
	}
	assert.Equal(t,
		"Order: order_id=7 creation_timestamp=2024-01-02T14:35:00Z asset_id=101 type_=price@twap "+
			"start_timestamp=2024-01-02T14:35:00Z end_timestamp=2024-01-02T14:40:00Z num_shares=-2.5",
		o.String())

	o.BrokerID = "abc-123"
	assert.Contains(t, o.String(), " broker_id=abc-123")
}

func TestOrdersRoundTrip(t *testing.T) {
	ids := NewIDGenerator(1)
	a, err := NewOrder(ids, start, 101, "price@twap", start, end, 10)
	require.NoError(t, err)
	b, err := NewOrder(ids, start, 202, "partial_spread_0.25@end", start, end, -3)
	require.NoError(t, err)
	b.BrokerID = "xyz"

	text := OrdersToString([]Order{*a, *b})
	got, err := OrdersFromString(text + "\n\n")
	require.NoError(t, err)
	assert.Equal(t, []Order{*a, *b}, got)

	empty, err := OrdersFromString("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseOrderRejectsMalformed(t *testing.T) {
	good := Order{ID: 1, AssetID: 1, Type: "price@end", StartTimestamp: start.UTC(), EndTimestamp: end.UTC(),
		CreationTimestamp: start.UTC(), NumShares: 1}.String()

	for name, s := range map[string]string{
		"prefix":    "Ordr: order_id=1",
		"missing":   "Order: order_id=1",
		"bad int":   replaceField(good, "asset_id=1", "asset_id=x"),
		"bad ts":    replaceField(good, "end_timestamp=", "end_timestamp=yesterday "),
		"unknown":   good + " color=red",
		"duplicate": good + " order_id=2",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOrder(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidOrder), "got %v", err)
		})
	}
}

func replaceField(s, old, repl string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + repl + s[i+len(old):]
		}
	}
	return s
}

func TestOrderTextRoundTripProperty(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	types := []string{"price@start", "midpoint@end", "full_spread@twap", "partial_spread_0.5@twap"}
	rapid.Check(t, func(t *rapid.T) {
		s := base.Add(time.Duration(rapid.Int64Range(0, 1e15).Draw(t, "start")))
		o := Order{
			ID:                rapid.Int64Range(1, math.MaxInt32).Draw(t, "id"),
			CreationTimestamp: s,
			AssetID:           rapid.Int64Range(-1, 1e9).Draw(t, "asset"),
			Type:              rapid.SampledFrom(types).Draw(t, "type"),
			StartTimestamp:    s,
			EndTimestamp:      s.Add(time.Duration(rapid.Int64Range(1, 1e12).Draw(t, "len"))),
			NumShares:         rapid.Float64Range(-1e6, 1e6).Filter(func(f float64) bool { return f != 0 }).Draw(t, "shares"),
			BrokerID:          rapid.StringMatching(`[a-z0-9-]{0,12}`).Draw(t, "broker"),
		}
		got, err := ParseOrder(o.String())
		if err != nil {
			t.Fatalf("parse %q: %v", o.String(), err)
		}
		if got != o {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, o)
		}
	})
}

func TestNewFillValidates(t *testing.T) {
	ids := NewIDGenerator(1)
	o, err := NewOrder(ids, start, 101, "price@twap", start, end, 10)
	require.NoError(t, err)

	f, err := NewFill(ids, *o, end, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, 400.0, f.Notional())

	for name, tc := range map[string][2]float64{
		"zero":       {0, 100},
		"wrong sign": {-1, 100},
		"too large":  {11, 100},
		"zero price": {1, 0},
		"nan price":  {1, math.NaN()},
		"inf price":  {1, math.Inf(1)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewFill(ids, *o, end, tc[0], tc[1])
			assert.True(t, errors.Is(err, ErrInvalidOrder), "got %v", err)
		})
	}
}
