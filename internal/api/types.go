package api

import (
	"math"
	"time"

	"saturn/internal/dataflow"
	"saturn/internal/domain"
	"saturn/internal/portfolio"
)

// EventJSON is one iteration of the real-time loop.
type EventJSON struct {
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	BarTime   time.Time `json:"bar_time"`
	WallClock time.Time `json:"wall_clock"`
	DriftMs   int64     `json:"drift_ms"`
}

// OrderJSON is an order as seen by the broker.
type OrderJSON struct {
	ID        int64     `json:"order_id"`
	AssetID   int64     `json:"asset_id"`
	Type      string    `json:"type"`
	Created   time.Time `json:"creation_timestamp"`
	Start     time.Time `json:"start_timestamp"`
	End       time.Time `json:"end_timestamp"`
	NumShares float64   `json:"num_shares"`
	BrokerID  string    `json:"broker_id,omitempty"`
}

// FillJSON is one execution.
type FillJSON struct {
	ID        int64     `json:"fill_id"`
	OrderID   int64     `json:"order_id"`
	AssetID   int64     `json:"asset_id"`
	Timestamp time.Time `json:"timestamp"`
	NumShares float64   `json:"num_shares"`
	Price     float64   `json:"price"`
}

// HoldingJSON is one priced position.
type HoldingJSON struct {
	AssetID  int64    `json:"asset_id"`
	Shares   float64  `json:"shares"`
	Price    *float64 `json:"price"`
	Notional *float64 `json:"notional"`
}

// StatisticsJSON mirrors portfolio.Statistics. Values that are not finite
// encode as null.
type StatisticsJSON struct {
	Timestamp   time.Time `json:"timestamp"`
	PnL         *float64  `json:"pnl"`
	GrossVolume *float64  `json:"gross_volume"`
	NetVolume   *float64  `json:"net_volume"`
	GMV         *float64  `json:"gmv"`
	NMV         *float64  `json:"nmv"`
	Cash        *float64  `json:"cash"`
	NetWealth   *float64  `json:"net_wealth"`
	Leverage    *float64  `json:"leverage"`
}

// PortfolioJSON is the latest portfolio snapshot.
type PortfolioJSON struct {
	Timestamp  time.Time      `json:"timestamp"`
	Cash       float64        `json:"cash"`
	Holdings   []HoldingJSON  `json:"holdings"`
	Statistics StatisticsJSON `json:"statistics"`
}

// HealthJSON is served by the health endpoint.
type HealthJSON struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	Broker string `json:"broker,omitempty"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func convertEvent(e dataflow.Event) EventJSON {
	return EventJSON{
		RunID:     e.RunID,
		Iteration: e.Iteration,
		BarTime:   e.BarTime,
		WallClock: e.WallClock,
		DriftMs:   e.Drift.Milliseconds(),
	}
}

func convertOrder(o domain.Order) OrderJSON {
	return OrderJSON{
		ID:        o.ID,
		AssetID:   o.AssetID,
		Type:      o.Type,
		Created:   o.CreationTimestamp,
		Start:     o.StartTimestamp,
		End:       o.EndTimestamp,
		NumShares: o.NumShares,
		BrokerID:  o.BrokerID,
	}
}

func convertFill(f domain.Fill) FillJSON {
	return FillJSON{
		ID:        f.ID,
		OrderID:   f.Order.ID,
		AssetID:   f.Order.AssetID,
		Timestamp: f.Timestamp,
		NumShares: f.NumShares,
		Price:     f.Price,
	}
}

func convertStatistics(s portfolio.Statistics) StatisticsJSON {
	return StatisticsJSON{
		Timestamp:   s.Timestamp,
		PnL:         finite(s.PnL),
		GrossVolume: finite(s.GrossVolume),
		NetVolume:   finite(s.NetVolume),
		GMV:         finite(s.GMV),
		NMV:         finite(s.NMV),
		Cash:        finite(s.Cash),
		NetWealth:   finite(s.NetWealth),
		Leverage:    finite(s.Leverage),
	}
}

func convertPortfolio(snap portfolio.Snapshot, stats portfolio.Statistics) PortfolioJSON {
	out := PortfolioJSON{
		Timestamp:  snap.Timestamp,
		Cash:       snap.Cash,
		Holdings:   []HoldingJSON{},
		Statistics: convertStatistics(stats),
	}
	for _, row := range portfolio.HoldingRows(snap) {
		if row.AssetID == domain.CashAssetID {
			continue
		}
		out.Holdings = append(out.Holdings, HoldingJSON{
			AssetID:  row.AssetID,
			Shares:   row.Shares,
			Price:    finite(row.Price),
			Notional: finite(row.Notional),
		})
	}
	return out
}
