package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"saturn/internal/domain"
)

// AtTolerance is the half-width of the window used to look up a quote at a
// point in time.
const AtTolerance = time.Second

// PriceAt returns column for each asset from the latest quote in
// (ts-AtTolerance, ts+AtTolerance]. Assets without a quote map to NaN.
func PriceAt(ctx context.Context, src Source, assetIDs []int64, ts time.Time, column string) (map[int64]float64, error) {
	quotes, err := src.Quotes(ctx, assetIDs, ts.Add(-AtTolerance), ts.Add(AtTolerance))
	if err != nil {
		return nil, fmt.Errorf("price at %s: %w", ts.Format(time.RFC3339), err)
	}
	out := nanMap(assetIDs)
	for _, q := range quotes {
		out[q.AssetID] = q.Column(column)
	}
	return out, nil
}

// TWAP returns the mean of column over (start, end] for each asset. Assets
// without quotes in the window map to NaN.
func TWAP(ctx context.Context, src Source, assetIDs []int64, start, end time.Time, column string) (map[int64]float64, error) {
	quotes, err := src.Quotes(ctx, assetIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("twap over (%s, %s]: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	sum := make(map[int64]float64)
	n := make(map[int64]int)
	for _, q := range quotes {
		sum[q.AssetID] += q.Column(column)
		n[q.AssetID]++
	}
	out := nanMap(assetIDs)
	for id, c := range n {
		out[id] = sum[id] / float64(c)
	}
	return out, nil
}

// Latest returns column from the most recent quote of each asset in
// (asOf-lookback, asOf]. Assets without quotes map to NaN.
func Latest(ctx context.Context, src Source, assetIDs []int64, asOf time.Time, lookback time.Duration, column string) (map[int64]float64, error) {
	quotes, err := src.Quotes(ctx, assetIDs, asOf.Add(-lookback), asOf)
	if err != nil {
		return nil, fmt.Errorf("latest at %s: %w", asOf.Format(time.RFC3339), err)
	}
	out := nanMap(assetIDs)
	for _, q := range quotes {
		out[q.AssetID] = q.Column(column)
	}
	return out, nil
}

// ResolvePrices computes the execution price of each order, keyed by order
// id. Orders sharing a type and interval are priced with one query per
// column. Unpriceable orders map to NaN.
func ResolvePrices(ctx context.Context, src Source, orders []domain.Order) (map[int64]float64, error) {
	type batchKey struct {
		type_      string
		start, end time.Time
	}
	batches := make(map[batchKey][]domain.Order)
	var keys []batchKey
	for _, o := range orders {
		k := batchKey{o.Type, o.StartTimestamp.UTC(), o.EndTimestamp.UTC()}
		if _, ok := batches[k]; !ok {
			keys = append(keys, k)
		}
		batches[k] = append(batches[k], o)
	}

	prices := make(map[int64]float64, len(orders))
	for _, k := range keys {
		batch := batches[k]
		formula, err := domain.ParsePriceFormula(k.type_)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(batch))
		for _, o := range batch {
			ids = append(ids, o.AssetID)
		}
		columns := map[string]map[int64]float64{}
		for _, buy := range []bool{true, false} {
			for _, col := range formula.Columns(buy) {
				if _, ok := columns[col]; ok {
					continue
				}
				var vals map[int64]float64
				switch formula.Timing {
				case domain.TimingStart:
					vals, err = PriceAt(ctx, src, ids, k.start, col)
				case domain.TimingEnd:
					vals, err = PriceAt(ctx, src, ids, k.end, col)
				default:
					vals, err = TWAP(ctx, src, ids, k.start, k.end, col)
				}
				if err != nil {
					return nil, fmt.Errorf("pricing %s orders: %w", k.type_, err)
				}
				columns[col] = vals
			}
		}
		for _, o := range batch {
			values := make(map[string]float64)
			for _, col := range formula.Columns(o.IsBuy()) {
				values[col] = columns[col][o.AssetID]
			}
			prices[o.ID] = formula.Execute(o.IsBuy(), values)
		}
	}
	return prices, nil
}

func nanMap(ids []int64) map[int64]float64 {
	out := make(map[int64]float64, len(ids))
	for _, id := range ids {
		out[id] = math.NaN()
	}
	return out
}
