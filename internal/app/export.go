package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"token-pricer/internal/pricing"
)

// Export writes the current price table as CSV and/or one PNG per level.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGDir == "" {
		return errors.New("at least one of --csv or --png-dir must be provided")
	}
	opts.MaxTokens = a.Config.ResolveMaxTokens(opts.MaxTokens)

	eng, err := a.refreshedEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	results := allResults(ctx, eng)
	if len(results) == 0 {
		a.Logger.Info().Msg("no prices resolved; nothing to export")
		return nil
	}
	a.Logger.Info().Int("tokens", len(results)).Msg("exporting prices")

	if opts.CSVPath != "" {
		if err := writePricesCSV(opts.CSVPath, results); err != nil {
			return err
		}
	}
	if opts.PNGDir != "" {
		files, err := writeLevelCharts(opts.PNGDir, results, opts.MaxTokens)
		if err != nil {
			return err
		}
		a.Logger.Info().Strs("files", files).Msg("level charts written")
	}
	return nil
}

func writePricesCSV(path string, results []pricing.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"contract_id", "symbol", "price_usd", "price_anchor", "confidence", "level", "source", "market_usd", "intrinsic_usd", "deviation_pct", "arbitrage", "dependencies", "computed_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, res := range results {
		record := []string{
			res.ContractID,
			res.Symbol,
			res.PriceUSD.String(),
			res.PriceAnchor.String(),
			strconv.FormatFloat(res.Confidence, 'f', 4, 64),
			strconv.Itoa(res.Level),
			string(res.Source),
			optionalDecimal(res.MarketUSD),
			optionalDecimal(res.IntrinsicUSD),
			optionalDecimal(res.DeviationPct),
			strconv.FormatBool(res.Arbitrage),
			strings.Join(res.Dependencies, ";"),
			res.ComputedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// groupByLevel buckets results by level and keeps the maxPerLevel most valuable per level.
func groupByLevel(results []pricing.Result, maxPerLevel int) map[int][]pricing.Result {
	grouped := make(map[int][]pricing.Result)
	for _, res := range results {
		grouped[res.Level] = append(grouped[res.Level], res)
	}
	for level, list := range grouped {
		sort.SliceStable(list, func(i, j int) bool { return list[i].PriceUSD.GreaterThan(list[j].PriceUSD) })
		if maxPerLevel > 0 && len(list) > maxPerLevel {
			list = list[:maxPerLevel]
		}
		grouped[level] = list
	}
	return grouped
}

func writeLevelCharts(dir string, results []pricing.Result, maxPerLevel int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	grouped := groupByLevel(results, maxPerLevel)
	levels := make([]int, 0, len(grouped))
	for level := range grouped {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	files := make([]string, 0, len(levels))
	for _, level := range levels {
		path := filepath.Join(dir, fmt.Sprintf("level_%d.png", level))
		if err := writeLevelPNG(path, level, grouped[level]); err != nil {
			return files, fmt.Errorf("render level %d: %w", level, err)
		}
		files = append(files, path)
	}
	return files, nil
}

func writeLevelPNG(path string, level int, results []pricing.Result) error {
	bars := make([]chart.Value, 0, len(results))
	top := 0.0
	for _, res := range results {
		label := res.Symbol
		if label == "" {
			label = res.ContractID
		}
		value := res.PriceUSD.InexactFloat64()
		if value > top {
			top = value
		}
		bars = append(bars, chart.Value{Label: label, Value: value})
	}
	if top <= 0 {
		top = 1
	}

	title := "Market prices (level 0)"
	if level > 0 {
		title = fmt.Sprintf("Intrinsic LP prices (level %d)", level)
	}
	graph := chart.BarChart{
		Title:    title,
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Name:  "USD",
			Range: &chart.ContinuousRange{Min: 0, Max: top * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func optionalDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
