package signal

import (
	"log/slog"
	"time"

	"saturn/internal/dataflow"
	"saturn/internal/market"
)

// SMAGraphConfig configures BuildSMAGraph.
type SMAGraphConfig struct {
	Assets           []int64
	Column           string
	Lookback         time.Duration
	ShortWindow      int
	LongWindow       int
	VolatilityWindow int
}

// BuildSMAGraph wires quotes → {sma, volatility} → forecast, with the spread
// taken straight from the source. The forecast node is the unique sink.
func BuildSMAGraph(src market.Source, cfg SMAGraphConfig, log *slog.Logger) (*dataflow.Graph, error) {
	sma, err := NewSMACross("sma", cfg.ShortWindow, cfg.LongWindow)
	if err != nil {
		return nil, err
	}
	vol, err := NewVolatility("volatility", cfg.VolatilityWindow)
	if err != nil {
		return nil, err
	}
	g := dataflow.NewGraph("sma_cross", log)
	nodes := []dataflow.Node{
		NewQuoteSource("quotes", src, cfg.Assets, cfg.Column, cfg.Lookback),
		sma,
		vol,
		NewCombine("forecast"),
	}
	for _, n := range nodes {
		if err := g.AddNode(n, dataflow.Strict); err != nil {
			return nil, err
		}
	}
	edges := [][2]dataflow.Endpoint{
		{dataflow.At("quotes", PortPrices), dataflow.Ref("sma")},
		{dataflow.At("quotes", PortPrices), dataflow.Ref("volatility")},
		{dataflow.Ref("sma"), dataflow.At("forecast", PortPrediction)},
		{dataflow.Ref("volatility"), dataflow.At("forecast", PortVolatility)},
		{dataflow.At("quotes", PortSpread), dataflow.At("forecast", PortSpread)},
	}
	for _, e := range edges {
		if err := g.Connect(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	return g, nil
}
