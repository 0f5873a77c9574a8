package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
)

// fakeAlpaca is a venue order book. Placed orders stay open until a test
// closes them, and GetOrders filters closed orders by submission time.
type fakeAlpaca struct {
	clk      clock.Clock
	placed   []alpaca.PlaceOrderRequest
	failOn   map[string]error
	orders   []alpaca.Order
	queries  []alpaca.GetOrdersRequest
	queryErr error
}

func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	if err := f.failOn[req.Symbol]; err != nil {
		return nil, err
	}
	f.placed = append(f.placed, req)
	o := alpaca.Order{
		ID:            fmt.Sprintf("venue-%d", len(f.placed)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "new",
	}
	if f.clk != nil {
		o.SubmittedAt = f.clk.Now()
	}
	f.orders = append(f.orders, o)
	return &o, nil
}

func (f *fakeAlpaca) GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	f.queries = append(f.queries, req)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []alpaca.Order
	for _, o := range f.orders {
		if o.Status == "new" || !o.SubmittedAt.After(req.After) {
			continue
		}
		if !req.Until.IsZero() && !o.SubmittedAt.Before(req.Until) {
			continue
		}
		out = append(out, o)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAlpaca) fill(venueID string, qty, price float64, at time.Time) {
	for i := range f.orders {
		if f.orders[i].ID == venueID {
			p := decimal.NewFromFloat(price)
			f.orders[i].Status = "filled"
			f.orders[i].FilledQty = decimal.NewFromFloat(qty)
			f.orders[i].FilledAvgPrice = &p
			f.orders[i].FilledAt = &at
		}
	}
}

func (f *fakeAlpaca) cancel(venueID string) {
	for i := range f.orders {
		if f.orders[i].ID == venueID {
			f.orders[i].Status = "canceled"
		}
	}
}

func TestExchangeBrokerPlacesAndFills(t *testing.T) {
	clk := clock.NewSimulatedClock(t0)
	client := &fakeAlpaca{clk: clk}
	b, err := NewExchangeBroker(client, clk, nil, ExchangeConfig{
		Symbols: map[int64]string{1: "AAPL", 2: "MSFT"},
	}, nil)
	require.NoError(t, err)
	ids := domain.NewIDGenerator(1)
	buy := newOrder(t, ids, 1, 10, t0.Add(5*time.Minute))
	sell := newOrder(t, ids, 2, -3, t0.Add(5*time.Minute))

	_, err = b.SubmitOrders(context.Background(), []domain.Order{buy, sell}, false)
	require.NoError(t, err)
	require.Len(t, client.placed, 2)
	assert.Equal(t, alpaca.Buy, client.placed[0].Side)
	assert.Equal(t, alpaca.Sell, client.placed[1].Side)
	assert.Equal(t, alpaca.Market, client.placed[0].Type)
	assert.True(t, client.placed[1].Qty.Equal(decimal.NewFromInt(3)))
	st, _ := b.OrderState(buy.ID)
	assert.Equal(t, domain.OrderStateAccepted, st.State)
	assert.Equal(t, "venue-1", st.Order.BrokerID)

	clk.Advance(5 * time.Minute)
	client.fill("venue-1", 10, 185.5, clk.Now())
	client.cancel("venue-2")
	manualAt := t0.Add(time.Minute)
	manualPrice := decimal.NewFromInt(370)
	client.orders = append(client.orders, alpaca.Order{
		ID: "venue-9", ClientOrderID: "manual", Symbol: "MSFT", Side: alpaca.Sell, Status: "filled",
		SubmittedAt: manualAt, FilledAt: &manualAt, FilledQty: decimal.NewFromInt(2), FilledAvgPrice: &manualPrice,
	})
	fills, err := b.GetFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, buy.ID, fills[0].Order.ID)
	assert.Equal(t, 185.5, fills[0].Price)
	assert.Equal(t, int64(2), fills[1].Order.AssetID)
	assert.Equal(t, -2.0, fills[1].NumShares)
	assert.Equal(t, "venue-9", fills[1].Order.BrokerID)

	require.Len(t, client.queries, 1)
	assert.Equal(t, "closed", client.queries[0].Status)
	assert.Equal(t, t0.Add(-time.Second), client.queries[0].After)
	assert.Equal(t, clk.Now(), client.queries[0].Until)
	assert.Empty(t, b.PendingOrders())

	st, _ = b.OrderState(buy.ID)
	assert.Equal(t, domain.OrderStateFilled, st.State)
	st, _ = b.OrderState(sell.ID)
	assert.Equal(t, domain.OrderStateRejected, st.State, "cancelled at the venue")

	fills, err = b.GetFills(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Len(t, b.Fills(), 2)
}

func TestExchangeBrokerReportsLateFills(t *testing.T) {
	clk := clock.NewSimulatedClock(t0)
	client := &fakeAlpaca{clk: clk}
	b, err := NewExchangeBroker(client, clk, nil, ExchangeConfig{
		Symbols: map[int64]string{1: "AAPL"},
	}, nil)
	require.NoError(t, err)
	ids := domain.NewIDGenerator(1)
	o := newOrder(t, ids, 1, 10, t0.Add(5*time.Minute))
	quick := newOrder(t, ids, 1, 5, t0.Add(5*time.Minute))
	_, err = b.SubmitOrders(context.Background(), []domain.Order{o, quick}, false)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	client.fill("venue-2", 5, 100, clk.Now())
	fills, err := b.GetFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, quick.ID, fills[0].Order.ID)
	assert.Equal(t, []domain.Order{o}, b.PendingOrders())

	// The order closes well after the fetch that first missed it. The
	// wider window returns the quick order again; it is reported once.
	clk.Advance(30 * time.Minute)
	client.fill("venue-1", 10, 101, clk.Now())
	fills, err = b.GetFills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, o.ID, fills[0].Order.ID)
	assert.Equal(t, 101.0, fills[0].Price)
	assert.Empty(t, b.PendingOrders())
	require.Len(t, client.queries, 2)
	assert.Equal(t, t0.Add(-time.Second), client.queries[1].After, "window reaches back to the open order")

	// With nothing open the window starts at the last fetch.
	_, err = b.GetFills(context.Background())
	require.NoError(t, err)
	require.Len(t, client.queries, 3)
	assert.Equal(t, clk.Now().Add(-time.Second), client.queries[2].After)
}

func TestExchangeBrokerPagesClosedOrders(t *testing.T) {
	clk := clock.NewSimulatedClock(t0)
	client := &fakeAlpaca{clk: clk}
	b, err := NewExchangeBroker(client, clk, nil, ExchangeConfig{
		Symbols: map[int64]string{1: "AAPL"},
	}, nil)
	require.NoError(t, err)
	price := decimal.NewFromInt(10)
	for i := range venuePageSize + 3 {
		at := t0.Add(time.Duration(i+1) * time.Millisecond)
		client.orders = append(client.orders, alpaca.Order{
			ID: fmt.Sprintf("ext-%d", i), Symbol: "AAPL", Side: alpaca.Buy, Status: "filled",
			SubmittedAt: at, FilledAt: &at, FilledQty: decimal.NewFromInt(1), FilledAvgPrice: &price,
		})
	}
	clk.Advance(time.Minute)
	fills, err := b.GetFills(context.Background())
	require.NoError(t, err)
	assert.Len(t, fills, venuePageSize+3)
	assert.Len(t, client.queries, 2)
}

func TestExchangeBrokerPriceBandContinues(t *testing.T) {
	client := &fakeAlpaca{failOn: map[string]error{"AAPL": errors.New("order price outside allowed band")}}
	b, err := NewExchangeBroker(client, clock.NewSimulatedClock(t0), nil, ExchangeConfig{
		Symbols: map[int64]string{1: "AAPL", 2: "MSFT"},
	}, nil)
	require.NoError(t, err)
	ids := domain.NewIDGenerator(1)
	rejected := newOrder(t, ids, 1, 10, t0.Add(5*time.Minute))
	kept := newOrder(t, ids, 2, 1, t0.Add(5*time.Minute))

	_, err = b.SubmitOrders(context.Background(), []domain.Order{rejected, kept}, false)
	require.NoError(t, err)
	require.Len(t, client.placed, 1)
	assert.Equal(t, "MSFT", client.placed[0].Symbol)
	st, _ := b.OrderState(rejected.ID)
	assert.Equal(t, domain.OrderStateRejected, st.State)
	assert.Equal(t, []domain.Order{kept}, b.PendingOrders())
}

func TestExchangeBrokerOtherErrorsAbort(t *testing.T) {
	client := &fakeAlpaca{failOn: map[string]error{"AAPL": errors.New("insufficient buying power")}}
	b, err := NewExchangeBroker(client, clock.NewSimulatedClock(t0), nil, ExchangeConfig{
		Symbols: map[int64]string{1: "AAPL", 2: "MSFT"},
	}, nil)
	require.NoError(t, err)
	ids := domain.NewIDGenerator(1)
	first := newOrder(t, ids, 1, 10, t0.Add(5*time.Minute))
	second := newOrder(t, ids, 2, 1, t0.Add(5*time.Minute))

	_, err = b.SubmitOrders(context.Background(), []domain.Order{first, second}, false)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPriceBand))
	assert.ErrorContains(t, err, "insufficient buying power")
	assert.Empty(t, client.placed, "the rest of the batch is not sent")
	assert.Empty(t, b.PendingOrders())
}

func TestExchangeBrokerLimitOrders(t *testing.T) {
	client := &fakeAlpaca{}
	clk := clock.NewSimulatedClock(t0.Add(2 * time.Minute))
	src := market.NewMemorySource(quotes(1, 100, 2)...)
	_, err := NewExchangeBroker(client, clk, nil, ExchangeConfig{LimitOffsetBps: 10}, nil)
	assert.Error(t, err, "limit orders need quotes")

	b, err := NewExchangeBroker(client, clk, src, ExchangeConfig{
		Symbols:        map[int64]string{1: "AAPL"},
		LimitOffsetBps: 10,
	}, nil)
	require.NoError(t, err)
	ids := domain.NewIDGenerator(1)
	buy := newOrder(t, ids, 1, 1, t0.Add(5*time.Minute))
	sell := newOrder(t, ids, 1, -1, t0.Add(5*time.Minute))
	_, err = b.SubmitOrders(context.Background(), []domain.Order{buy, sell}, false)
	require.NoError(t, err)
	require.Len(t, client.placed, 2)
	assert.Equal(t, alpaca.Limit, client.placed[0].Type)
	assert.Equal(t, "100.1", client.placed[0].LimitPrice.String())
	assert.Equal(t, "99.9", client.placed[1].LimitPrice.String())
}

func TestExchangeBrokerFetchError(t *testing.T) {
	client := &fakeAlpaca{queryErr: errors.New("503")}
	b, err := NewExchangeBroker(client, clock.NewSimulatedClock(t0), nil, ExchangeConfig{Retries: 2}, nil)
	require.NoError(t, err)
	_, err = b.GetFills(context.Background())
	assert.ErrorContains(t, err, "503")
	assert.Len(t, client.queries, 2)
}

func TestClassifyVenueError(t *testing.T) {
	assert.NoError(t, classifyVenueError(nil))
	assert.ErrorIs(t, classifyVenueError(errors.New("limit price is outside the price band")), ErrPriceBand)
	assert.NotErrorIs(t, classifyVenueError(errors.New("market closed")), ErrPriceBand)
}
