package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"token-pricer/internal/pricing"
)

// ErrUnhealthy is returned by Health when the report is not healthy.
var ErrUnhealthy = errors.New("system unhealthy")

// refreshedEngine builds the engine and runs one refresh.
func (a *App) refreshedEngine(ctx context.Context) (*engine, error) {
	eng, err := a.buildEngine(ctx)
	if err != nil {
		return nil, err
	}
	if err := eng.svc.RefreshPricingData(ctx); err != nil {
		eng.close()
		return nil, err
	}
	return eng, nil
}

// allResults prices every registered token, sorted by contract id.
func allResults(ctx context.Context, eng *engine) []pricing.Result {
	tokens := eng.svc.Calculator().State().Tokens()
	ids := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		ids = append(ids, tok.ContractID)
	}
	return sortedResults(eng.svc.GetMultipleTokenPrices(ctx, ids))
}

func sortedResults(prices map[string]pricing.Result) []pricing.Result {
	out := make([]pricing.Result, 0, len(prices))
	for _, res := range prices {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}

// Price prints the price of the requested tokens.
func (a *App) Price(ctx context.Context, opts PriceOptions) error {
	if !opts.All && len(opts.ContractIDs) == 0 {
		return errors.New("provide at least one contract id or --all")
	}

	eng, err := a.refreshedEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	var results []pricing.Result
	if opts.All {
		results = allResults(ctx, eng)
	} else {
		results = sortedResults(eng.svc.GetMultipleTokenPrices(ctx, opts.ContractIDs))
		for _, id := range opts.ContractIDs {
			if _, ok := findResult(results, id); !ok {
				a.Logger.Warn().Str("contract_id", id).Msg("未能解析代币价格")
			}
		}
	}

	if opts.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return writePriceTable(a, results)
}

func findResult(results []pricing.Result, id string) (pricing.Result, bool) {
	for _, res := range results {
		if res.ContractID == id {
			return res, true
		}
	}
	return pricing.Result{}, false
}

func writePriceTable(a *App, results []pricing.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(a.Out, "no prices resolved")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Contract\tSymbol\tUSD\tAnchor\tConfidence\tLevel\tSource\tDeviation%\tArbitrage")
	for _, res := range results {
		deviation := "-"
		if res.DeviationPct != nil {
			deviation = formatDecimal(*res.DeviationPct, 3)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.2f\t%d\t%s\t%s\t%t\n",
			res.ContractID,
			sanitizeInline(res.Symbol),
			formatDecimal(res.PriceUSD, 6),
			formatDecimal(res.PriceAnchor, 8),
			res.Confidence,
			res.Level,
			res.Source,
			deviation,
			res.Arbitrage,
		)
	}
	return writer.Flush()
}

// Health refreshes once and prints the health report as JSON.
func (a *App) Health(ctx context.Context) error {
	eng, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.svc.RefreshPricingData(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("refresh failed during health check")
	}
	report := eng.svc.CheckSystemHealth(ctx)

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Healthy {
		return ErrUnhealthy
	}
	return nil
}

// Levels prints the LP dependency levels and the excluded tokens.
func (a *App) Levels(ctx context.Context) error {
	eng, err := a.refreshedEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	snap := eng.svc.Calculator().State().Snapshot()
	deps := snap.Deps

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Level\tContract\tSymbol\tDepends On\tIntrinsic USD")
	for _, level := range deps.Levels() {
		for _, id := range deps.TokensAtLevel(level) {
			dep, _ := deps.Dependency(id)
			price := "-"
			if res, ok := snap.Intrinsic.Results[id]; ok {
				price = formatDecimal(res.PriceUSD, 6)
			} else if reason, ok := snap.Intrinsic.Skipped[id]; ok {
				price = "skipped: " + reason
			}
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
				level, id, sanitizeInline(dep.Symbol), strings.Join(dep.DependsOn, ","), price)
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	excluded := deps.Excluded()
	if len(excluded) == 0 {
		return nil
	}
	ids := make([]string, 0, len(excluded))
	for id := range excluded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(a.Out)
	fmt.Fprintln(a.Out, "Excluded:")
	for _, id := range ids {
		fmt.Fprintf(a.Out, "  %s\t%s\n", id, excluded[id])
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
