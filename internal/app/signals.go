package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"token-pricer/internal/storage"
	"token-pricer/internal/vault"
)

// ErrNoDatabase is returned by commands that only work against PostgreSQL.
var ErrNoDatabase = errors.New("database.dsn is required for this command")

// SignalsOptions configure the signals command.
type SignalsOptions struct {
	Limit int
	JSON  bool
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closer, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, ErrNoDatabase
	}
	return store, closer, nil
}

// Signals prints the most recent persisted arbitrage signals.
func (a *App) Signals(ctx context.Context, opts SignalsOptions) error {
	store, closer, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closer()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	records, err := store.ListRecentSignals(ctx, limit)
	if err != nil {
		return err
	}
	return writeSignals(a, records, opts.JSON)
}

func writeSignals(a *App, records []storage.SignalRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no signals recorded")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected\tContract\tSymbol\tMarket USD\tIntrinsic USD\tDeviation%\tDirection\tSnapshot")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DetectedAt.UTC().Format("2006-01-02 15:04:05"),
			rec.ContractID,
			sanitizeInline(rec.Symbol),
			formatDecimal(rec.MarketUSD, 6),
			formatDecimal(rec.IntrinsicUSD, 6),
			formatDecimal(rec.DeviationPct, 3),
			rec.Direction,
			rec.SnapshotID,
		)
	}
	return writer.Flush()
}

// ImportVaults loads a JSON vault listing and upserts it into the vaults
// table backing vaults.source=database.
func (a *App) ImportVaults(ctx context.Context, path string) error {
	if path == "" {
		path = a.Config.Vaults.File
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read vault file: %w", err)
	}
	vaults, unknown, err := vault.DecodeJSON(data)
	if err != nil {
		return err
	}
	vault.LogUnknownKinds(a.Logger, path, unknown)

	store, closer, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closer()

	return importVaults(ctx, a, store, vaults)
}

func importVaults(ctx context.Context, a *App, store storage.VaultStore, vaults []vault.Vault) error {
	imported := 0
	for _, v := range vaults {
		if v.ContractID == "" {
			a.Logger.Warn().Msg("跳过缺少 contract_id 的 vault")
			continue
		}
		if err := store.UpsertVault(ctx, v); err != nil {
			return fmt.Errorf("upsert vault %s: %w", v.ContractID, err)
		}
		imported++
	}
	a.Logger.Info().Int("imported", imported).Int("total", len(vaults)).Msg("vault 导入完成")
	fmt.Fprintf(a.Out, "imported %d vaults\n", imported)
	return nil
}
