package portfolio

import (
	"fmt"
	"maps"
	"path/filepath"

	"saturn/internal/domain"
	"saturn/internal/market"
)

// HoldingRecord is one asset row of a snapshot on disk.
type HoldingRecord struct {
	Timestamp        int64   `parquet:"timestamp,timestamp(millisecond)"`
	AssetID          int64   `parquet:"asset_id"`
	Shares           float64 `parquet:"holdings_shares"`
	Notional         float64 `parquet:"holdings_notional"`
	Price            float64 `parquet:"price"`
	ExecutedShares   float64 `parquet:"executed_trades_shares"`
	ExecutedNotional float64 `parquet:"executed_trades_notional"`
}

// StatisticsRecord is one row of the statistics history on disk.
type StatisticsRecord struct {
	Timestamp   int64   `parquet:"timestamp,timestamp(millisecond)"`
	PnL         float64 `parquet:"pnl"`
	GrossVolume float64 `parquet:"gross_volume"`
	NetVolume   float64 `parquet:"net_volume"`
	GMV         float64 `parquet:"gmv"`
	NMV         float64 `parquet:"nmv"`
	Cash        float64 `parquet:"cash"`
	NetWealth   float64 `parquet:"net_wealth"`
	Leverage    float64 `parquet:"leverage"`
}

// LogState writes the latest snapshot to
// <dir>/holdings/<unix_ms>.parquet and the whole statistics history to
// <dir>/statistics.parquet. Cash is written under the reserved cash id.
func LogState(p Portfolio, dir string) error {
	snaps := p.Snapshots()
	if len(snaps) == 0 {
		return nil
	}
	last := snaps[len(snaps)-1]
	ts := last.Timestamp.UnixMilli()

	rows := HoldingRows(last)
	path := filepath.Join(dir, "holdings", fmt.Sprintf("%d.parquet", ts))
	if err := market.WriteParquetFile(path, rows); err != nil {
		return fmt.Errorf("writing holdings %s: %w", path, err)
	}

	stats := p.Statistics()
	recs := make([]StatisticsRecord, len(stats))
	for i, s := range stats {
		recs[i] = StatisticsRecord{
			Timestamp:   s.Timestamp.UnixMilli(),
			PnL:         s.PnL,
			GrossVolume: s.GrossVolume,
			NetVolume:   s.NetVolume,
			GMV:         s.GMV,
			NMV:         s.NMV,
			Cash:        s.Cash,
			NetWealth:   s.NetWealth,
			Leverage:    s.Leverage,
		}
	}
	path = filepath.Join(dir, "statistics.parquet")
	if err := market.WriteParquetFile(path, recs); err != nil {
		return fmt.Errorf("writing statistics %s: %w", path, err)
	}
	return nil
}

// HoldingRows flattens a snapshot into one row per asset, sorted by id,
// followed by the cash row.
func HoldingRows(s Snapshot) []HoldingRecord {
	ts := s.Timestamp.UnixMilli()
	all := maps.Clone(s.HoldingsShares)
	for id := range s.ExecutedShares {
		if _, held := all[id]; !held {
			all[id] = 0
		}
	}
	ids := sortedIDs(all)
	rows := make([]HoldingRecord, 0, len(ids)+1)
	for _, id := range ids {
		rows = append(rows, HoldingRecord{
			Timestamp:        ts,
			AssetID:          id,
			Shares:           s.HoldingsShares[id],
			Notional:         s.HoldingsNotional[id],
			Price:            s.Prices[id],
			ExecutedShares:   s.ExecutedShares[id],
			ExecutedNotional: s.ExecutedNotional[id],
		})
	}
	rows = append(rows, HoldingRecord{Timestamp: ts, AssetID: domain.CashAssetID, Shares: s.Cash, Notional: s.Cash, Price: 1})
	return rows
}
