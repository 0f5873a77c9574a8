package market

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"
)

// Compile-time interface checks.
var _ Source = (*ParquetStore)(nil)

// ParquetStore persists quotes as Parquet files, one per asset and day:
//
//	<DataDir>/quotes/<ASSET_ID>/<YYYY-MM-DD>.parquet
type ParquetStore struct {
	DataDir string
	// Concurrency bounds the number of assets read in parallel.
	Concurrency int
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Concurrency: 8}
}

// QuoteRecord is the Parquet schema for quote data.
type QuoteRecord struct {
	AssetID   int64   `parquet:"asset_id"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price     float64 `parquet:"price"`
	Midpoint  float64 `parquet:"midpoint"`
	Bid       float64 `parquet:"bid"`
	Ask       float64 `parquet:"ask"`
}

func toRecord(q Quote) QuoteRecord {
	return QuoteRecord{
		AssetID:   q.AssetID,
		Timestamp: q.Timestamp.UnixMilli(),
		Price:     q.Price,
		Midpoint:  q.Midpoint,
		Bid:       q.Bid,
		Ask:       q.Ask,
	}
}

func (r QuoteRecord) quote() Quote {
	return Quote{
		AssetID:   r.AssetID,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Price:     r.Price,
		Midpoint:  r.Midpoint,
		Bid:       r.Bid,
		Ask:       r.Ask,
	}
}

// WriteQuotes writes quotes grouped by asset and UTC day, merging with any
// existing file. Incoming rows replace stored rows with the same timestamp.
func (s *ParquetStore) WriteQuotes(_ context.Context, quotes []Quote) error {
	type key struct {
		asset int64
		date  string
	}
	groups := make(map[key][]QuoteRecord)
	for _, q := range quotes {
		k := key{asset: q.AssetID, date: q.Timestamp.UTC().Format(time.DateOnly)}
		groups[k] = append(groups[k], toRecord(q))
	}

	for k, records := range groups {
		path := s.quotePath(k.asset, k.date)
		existing, err := ReadParquetFile[QuoteRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading quotes for %d/%s: %w", k.asset, k.date, err)
		}
		if err := WriteParquetFile(path, mergeQuoteRecords(existing, records)); err != nil {
			return fmt.Errorf("writing quotes for %d/%s: %w", k.asset, k.date, err)
		}
	}
	return nil
}

// ReadQuotes returns one asset's quotes with timestamps in (start, end].
func (s *ParquetStore) ReadQuotes(_ context.Context, assetID int64, start, end time.Time) ([]Quote, error) {
	var dates []string
	if start.IsZero() {
		all, err := s.listDates(assetID)
		if err != nil {
			return nil, err
		}
		dates = all
	} else {
		for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
			dates = append(dates, d.Format(time.DateOnly))
		}
	}

	var quotes []Quote
	for _, date := range dates {
		records, err := ReadParquetFile[QuoteRecord](s.quotePath(assetID, date))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading quotes for %d/%s: %w", assetID, date, err)
		}
		for _, r := range records {
			q := r.quote()
			if (start.IsZero() || q.Timestamp.After(start)) && !q.Timestamp.After(end) {
				quotes = append(quotes, q)
			}
		}
	}
	return quotes, nil
}

// Quotes reads every requested asset concurrently.
func (s *ParquetStore) Quotes(ctx context.Context, assetIDs []int64, start, end time.Time) ([]Quote, error) {
	results := make([][]Quote, len(assetIDs))
	g, ctx := errgroup.WithContext(ctx)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for i, id := range assetIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			qs, err := s.ReadQuotes(ctx, id, start, end)
			if err != nil {
				return err
			}
			results[i] = qs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Quote
	for _, qs := range results {
		out = append(out, qs...)
	}
	sortQuotes(out)
	return out, nil
}

// ListAssets lists all assets that have quote data.
func (s *ParquetStore) ListAssets(_ context.Context) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "quotes"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *ParquetStore) listDates(assetID int64) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "quotes", strconv.FormatInt(assetID, 10)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		if name := e.Name(); filepath.Ext(name) == ".parquet" {
			dates = append(dates, name[:len(name)-len(".parquet")])
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// quotePath returns the filesystem path for a quote Parquet file.
func (s *ParquetStore) quotePath(assetID int64, date string) string {
	return filepath.Join(s.DataDir, "quotes", strconv.FormatInt(assetID, 10), date+".parquet")
}

// WriteParquetFile writes records to path, creating parent directories.
func WriteParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// ReadParquetFile reads all rows of path. A missing file yields an error
// wrapping fs.ErrNotExist.
func ReadParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeQuoteRecords deduplicates by timestamp, preferring incoming records.
func mergeQuoteRecords(existing, incoming []QuoteRecord) []QuoteRecord {
	seen := make(map[int64]QuoteRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}
	merged := make([]QuoteRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	return merged
}
