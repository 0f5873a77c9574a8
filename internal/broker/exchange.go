package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
	"saturn/internal/util"
)

// Compile-time interface check.
var _ Broker = (*ExchangeBroker)(nil)

// AlpacaClient is the subset of the Alpaca trading client the exchange
// broker uses.
type AlpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
}

// NewAlpacaClient creates a trading client for the given credentials and
// API endpoint.
func NewAlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// ExchangeConfig configures an ExchangeBroker.
type ExchangeConfig struct {
	// Symbols maps asset ids to venue symbols.
	Symbols map[int64]string
	// LimitOffsetBps, when positive, sends limit orders priced this many
	// basis points through the latest quote instead of market orders.
	LimitOffsetBps float64
	// QuoteLookback bounds how old the quote used for limit prices may be.
	QuoteLookback time.Duration
	// RequestsPerMinute rate-limits calls to the venue. Zero disables it.
	RequestsPerMinute int
	// Retries is the number of attempts for idempotent venue queries.
	Retries int
}

// venuePageSize is the largest page of orders requested from the venue.
const venuePageSize = 500

// venueOrder is an order placed by this broker and still open at the venue.
type venueOrder struct {
	order       domain.Order
	submittedAt time.Time
}

// ExchangeBroker routes orders to Alpaca. Acknowledgement is immediate;
// fills are the venue's closed orders, matched to the orders placed here
// by client order id.
type ExchangeBroker struct {
	*core
	client  AlpacaClient
	cfg     ExchangeConfig
	assets  map[string]int64
	limiter *util.RateLimiter
	// orderIDs numbers orders discovered at the venue that were not
	// submitted by this broker.
	orderIDs *domain.IDGenerator

	fetchMu   sync.Mutex
	lastFetch time.Time
	byClient  map[string]venueOrder
	// seen holds the submission time of venue orders already converted,
	// so overlapping fetch windows report each order once.
	seen map[string]time.Time
}

// NewExchangeBroker creates an exchange broker. src is used for limit
// prices and may be nil when LimitOffsetBps is zero.
func NewExchangeBroker(client AlpacaClient, clk clock.Clock, src market.Source, cfg ExchangeConfig, log *slog.Logger) (*ExchangeBroker, error) {
	if cfg.LimitOffsetBps > 0 && src == nil {
		return nil, fmt.Errorf("exchange broker: limit orders need a market source")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.QuoteLookback <= 0 {
		cfg.QuoteLookback = 5 * time.Minute
	}
	assets := make(map[string]int64, len(cfg.Symbols))
	for id, sym := range cfg.Symbols {
		assets[strings.ToUpper(sym)] = id
	}
	b := &ExchangeBroker{
		core:     newCore("alpaca", clk, src, log),
		client:   client,
		cfg:      cfg,
		assets:   assets,
		orderIDs: domain.NewIDGenerator(1 << 40),
		byClient: make(map[string]venueOrder),
		seen:     make(map[string]time.Time),
	}
	if cfg.RequestsPerMinute > 0 {
		b.limiter = util.NewRateLimiter(cfg.RequestsPerMinute, 1)
	}
	b.lastFetch = clk.Now()
	return b, nil
}

// SubmitOrders places one venue order per order. Price band rejections are
// logged and skipped; any other venue error aborts the rest of the batch.
func (b *ExchangeBroker) SubmitOrders(ctx context.Context, orders []domain.Order, _ bool) (string, error) {
	now, err := b.now()
	if err != nil {
		return "", err
	}
	if err := b.accept(orders); err != nil {
		return "", err
	}
	var limits map[int64]float64
	if b.cfg.LimitOffsetBps > 0 {
		ids := make([]int64, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.AssetID)
		}
		limits, err = market.Latest(ctx, b.src, ids, now, b.cfg.QuoteLookback, domain.ColumnPrice)
		if err != nil {
			return "", err
		}
	}

	receipt := uuid.NewString()
	placed := 0
	for i, o := range orders {
		req, err := b.request(o, limits)
		if err == nil {
			err = b.wait(ctx)
		}
		var venue *alpaca.Order
		if err == nil {
			venue, err = b.client.PlaceOrder(req)
			err = classifyVenueError(err)
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrPriceBand):
			b.log.Warn("order rejected by venue", "order_id", o.ID, "asset_id", o.AssetID, "error", err)
			if terr := b.tracker.Rejected(o.ID, err.Error()); terr != nil {
				return receipt, terr
			}
			b.dequeue([]domain.Order{o})
			continue
		default:
			b.dequeue(orders[i:])
			for _, rest := range orders[i:] {
				_ = b.tracker.Rejected(rest.ID, "batch aborted")
			}
			return receipt, fmt.Errorf("placing order %d (asset %d): %w", o.ID, o.AssetID, err)
		}
		if err := b.tracker.Submitted(o.ID, venue.ID); err != nil {
			return receipt, err
		}
		if err := b.tracker.Accepted(o.ID); err != nil {
			return receipt, err
		}
		o.BrokerID = venue.ID
		submitted := venue.SubmittedAt
		if submitted.IsZero() || submitted.After(now) {
			submitted = now
		}
		b.fetchMu.Lock()
		b.byClient[req.ClientOrderID] = venueOrder{order: o, submittedAt: submitted}
		b.fetchMu.Unlock()
		placed++
	}
	b.log.Info("orders placed", "receipt", receipt, "placed", placed, "requested", len(orders))
	return receipt, nil
}

func (b *ExchangeBroker) request(o domain.Order, limits map[int64]float64) (alpaca.PlaceOrderRequest, error) {
	sym, ok := b.cfg.Symbols[o.AssetID]
	if !ok {
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("no venue symbol for asset %d", o.AssetID)
	}
	qty := decimal.NewFromFloat(math.Abs(o.NumShares))
	req := alpaca.PlaceOrderRequest{
		Symbol:        sym,
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: uuid.NewString(),
	}
	if o.IsBuy() {
		req.Side = alpaca.Buy
	}
	if limits != nil {
		ref := limits[o.AssetID]
		if math.IsNaN(ref) || ref <= 0 {
			return alpaca.PlaceOrderRequest{}, fmt.Errorf("no recent quote for asset %d", o.AssetID)
		}
		offset := b.cfg.LimitOffsetBps / 1e4
		if !o.IsBuy() {
			offset = -offset
		}
		limit := decimal.NewFromFloat(ref * (1 + offset)).Round(2)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}
	return req, nil
}

// GetFills returns the fills of venue orders that closed since the previous
// call. The venue filters orders by submission time, so the query window
// reaches back to the oldest order placed here that is still open; orders
// returned by overlapping windows are reported once. An order that closed
// without filling is marked rejected.
func (b *ExchangeBroker) GetFills(ctx context.Context) ([]domain.Fill, error) {
	now, err := b.now()
	if err != nil {
		return nil, err
	}
	b.fetchMu.Lock()
	defer b.fetchMu.Unlock()

	after := b.windowStart()
	closed, err := b.fetchClosed(ctx, after, now)
	if err != nil {
		return nil, fmt.Errorf("fetching closed orders: %w", err)
	}

	var fills []domain.Fill
	var done []domain.Order
	for _, vo := range closed {
		if _, dup := b.seen[vo.ID]; dup {
			continue
		}
		submitted := vo.SubmittedAt
		if submitted.IsZero() {
			submitted = now
		}
		b.seen[vo.ID] = submitted
		if open, known := b.byClient[vo.ClientOrderID]; known && (vo.FilledQty.IsZero() || vo.FilledAvgPrice == nil) {
			delete(b.byClient, vo.ClientOrderID)
			b.log.Warn("venue order closed unfilled", "order_id", open.order.ID, "venue_id", vo.ID, "status", vo.Status)
			if err := b.tracker.Rejected(open.order.ID, "closed unfilled: "+vo.Status); err != nil {
				return nil, err
			}
			done = append(done, open.order)
			continue
		}
		f, ok, err := b.convert(vo)
		if err != nil {
			b.log.Warn("skipping venue order", "venue_id", vo.ID, "symbol", vo.Symbol, "error", err)
			continue
		}
		if ok {
			fills = append(fills, f)
			done = append(done, f.Order)
		}
	}
	b.dequeue(done)
	b.record(fills)
	b.lastFetch = now
	next := b.windowStart()
	for id, submitted := range b.seen {
		if !submitted.After(next) {
			delete(b.seen, id)
		}
	}
	b.log.Info("venue fills fetched", "closed", len(closed), "fills", len(fills), "open", len(b.byClient))
	return fills, nil
}

// windowStart is the exclusive lower bound on submission time for the
// next closed-orders query. It is one second before the earlier of the
// last fetch and the oldest open order, as venue timestamps may be
// truncated.
func (b *ExchangeBroker) windowStart() time.Time {
	start := b.lastFetch
	for _, open := range b.byClient {
		if open.submittedAt.Before(start) {
			start = open.submittedAt
		}
	}
	return start.Add(-time.Second)
}

// fetchClosed pages through the closed orders submitted in (after, until).
func (b *ExchangeBroker) fetchClosed(ctx context.Context, after, until time.Time) ([]alpaca.Order, error) {
	backoff := util.Backoff{Attempts: b.cfg.Retries, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	var closed []alpaca.Order
	for {
		var page []alpaca.Order
		err := util.Retry(ctx, backoff, func(ctx context.Context) error {
			if err := b.wait(ctx); err != nil {
				return util.Permanent(err)
			}
			var err error
			page, err = b.client.GetOrders(alpaca.GetOrdersRequest{
				Status:    "closed",
				After:     after,
				Until:     until,
				Limit:     venuePageSize,
				Direction: "asc",
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		closed = append(closed, page...)
		if len(page) < venuePageSize {
			return closed, nil
		}
		last := page[len(page)-1].SubmittedAt
		if !last.After(after) {
			return closed, nil
		}
		after = last
	}
}

// convert maps a closed venue order to an order and its fill. Orders that
// closed without filling report ok=false.
func (b *ExchangeBroker) convert(vo alpaca.Order) (domain.Fill, bool, error) {
	if vo.FilledQty.IsZero() || vo.FilledAvgPrice == nil {
		return domain.Fill{}, false, nil
	}
	shares := vo.FilledQty.InexactFloat64()
	if vo.Side == alpaca.Sell {
		shares = -shares
	}
	price := vo.FilledAvgPrice.InexactFloat64()
	ts := b.clk.Now()
	if vo.FilledAt != nil {
		ts = *vo.FilledAt
	}

	open, known := b.byClient[vo.ClientOrderID]
	order := open.order
	if known {
		delete(b.byClient, vo.ClientOrderID)
	} else {
		asset, ok := b.assets[strings.ToUpper(vo.Symbol)]
		if !ok {
			return domain.Fill{}, false, fmt.Errorf("unknown symbol %q", vo.Symbol)
		}
		end := ts.UTC()
		order = domain.Order{
			ID:                b.orderIDs.Next(),
			CreationTimestamp: end,
			AssetID:           asset,
			Type:              "price@end",
			StartTimestamp:    end.Add(-time.Second),
			EndTimestamp:      end,
			NumShares:         shares,
			BrokerID:          vo.ID,
		}
	}
	f, err := domain.NewFill(b.fillIDs, order, ts, shares, price)
	if err != nil {
		return domain.Fill{}, false, err
	}
	if known {
		if err := b.tracker.ApplyFill(*f); err != nil {
			return domain.Fill{}, false, err
		}
	}
	return *f, true, nil
}

func (b *ExchangeBroker) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// classifyVenueError wraps price band refusals in ErrPriceBand.
func classifyVenueError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "band") && (strings.Contains(msg, "price") || strings.Contains(msg, "outside")) {
		return fmt.Errorf("%w: %v", ErrPriceBand, err)
	}
	return err
}
