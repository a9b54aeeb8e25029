package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-pricer/internal/config"
	"token-pricer/internal/storage"
	"token-pricer/internal/vault"
)

const vaultsJSON = `[
  {"contract_id":"PA","symbol":"PA","type":"POOL",
   "token_a":{"contract_id":"A","symbol":"A"},"token_b":{"contract_id":"BTC","symbol":"BTC"},
   "reserves_a":"1000000","reserves_b":"1000","total_supply":"1000"},
  {"contract_id":"PB","symbol":"PB","type":"POOL",
   "token_a":{"contract_id":"B","symbol":"B"},"token_b":{"contract_id":"BTC","symbol":"BTC"},
   "reserves_a":"6000000","reserves_b":"1000","total_supply":"1000"},
  {"contract_id":"L","symbol":"A-B LP","type":"POOL",
   "token_a":{"contract_id":"A","symbol":"A"},"token_b":{"contract_id":"B","symbol":"B"},
   "reserves_a":"1000","reserves_b":"2000","total_supply":"500"}
]`

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vaults.json")
	if err := os.WriteFile(path, []byte(vaultsJSON), 0o600); err != nil {
		t.Fatalf("写入 vault 文件失败: %v", err)
	}

	cfg := &config.Config{
		Anchor:    config.AnchorConfig{ContractID: "BTC", Symbol: "BTC"},
		Oracle:    config.OracleConfig{Source: "static", StaticPrice: 60000},
		Vaults:    config.VaultsConfig{Source: "file", File: path},
		Cache:     config.CacheConfig{Backend: "memory", TTL: time.Minute, KeyPrefix: "price:"},
		Scheduler: config.SchedulerConfig{RefreshInterval: time.Minute, WarmInterval: time.Minute},
		Pricing: config.PricingConfig{
			DivergenceThresholdPct: 5,
			QueueBudget:            time.Second,
			GraphMaxAge:            10 * time.Minute,
		},
		Alerting: config.AlertingConfig{Channels: []string{"log"}, Cooldown: time.Minute},
		Export:   config.ExportConfig{MaxTokens: 10},
	}

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestPriceAll(t *testing.T) {
	a, out := testApp(t)
	if err := a.Price(context.Background(), PriceOptions{All: true}); err != nil {
		t.Fatalf("price 失败: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Contract", "A-B LP", "160.000000", "intrinsic", "60.000000"} {
		if !strings.Contains(text, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, text)
		}
	}
}

func TestPriceJSON(t *testing.T) {
	a, out := testApp(t)
	err := a.Price(context.Background(), PriceOptions{ContractIDs: []string{"A", "missing"}, JSON: true})
	if err != nil {
		t.Fatalf("price 失败: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("JSON 解析失败: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["contract_id"] != "A" {
		t.Fatalf("应只返回 A: %v", decoded)
	}
}

func TestPriceRequiresIDs(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Price(context.Background(), PriceOptions{}); err == nil {
		t.Fatalf("缺少参数应报错")
	}
}

func TestLevels(t *testing.T) {
	a, out := testApp(t)
	if err := a.Levels(context.Background()); err != nil {
		t.Fatalf("levels 失败: %v", err)
	}
	if !strings.Contains(out.String(), "A,B") {
		t.Fatalf("应列出 L 的依赖:\n%s", out.String())
	}
}

func TestHealth(t *testing.T) {
	a, out := testApp(t)
	if err := a.Health(context.Background()); err != nil {
		t.Fatalf("health 应健康: %v\n%s", err, out.String())
	}
	var report map[string]any
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("健康报告解析失败: %v", err)
	}
	if report["healthy"] != true {
		t.Fatalf("报告应为健康: %v", report)
	}
}

func TestExportCSVAndCharts(t *testing.T) {
	a, _ := testApp(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "prices.csv")
	pngDir := filepath.Join(dir, "charts")

	if err := a.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGDir: pngDir}); err != nil {
		t.Fatalf("export 失败: %v", err)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	if len(rows) < 2 || rows[0][0] != "contract_id" {
		t.Fatalf("CSV 格式错误: %v", rows)
	}

	for _, name := range []string{"level_0.png", "level_1.png"} {
		info, err := os.Stat(filepath.Join(pngDir, name))
		if err != nil || info.Size() == 0 {
			t.Fatalf("缺少图表 %s: %v", name, err)
		}
	}
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatalf("未指定输出应报错")
	}
}

func TestSimulateAlert(t *testing.T) {
	a, _ := testApp(t)
	ctx := context.Background()
	opts := SimulateOptions{ContractID: "L", Market: decimal.NewFromInt(120), Intrinsic: decimal.NewFromInt(160)}

	if err := a.SimulateAlert(ctx, opts); err == nil {
		t.Fatalf("未启用告警时应报错")
	}

	a.Config.Alerting.Enabled = true
	if err := a.SimulateAlert(ctx, opts); err != nil {
		t.Fatalf("模拟告警失败: %v", err)
	}

	opts.Market = decimal.NewFromInt(159)
	if err := a.SimulateAlert(ctx, opts); err != nil {
		t.Fatalf("未超阈值时不应报错: %v", err)
	}
}

func TestHTTPHandler(t *testing.T) {
	a, _ := testApp(t)
	ctx := context.Background()
	eng, err := a.refreshedEngine(ctx)
	if err != nil {
		t.Fatalf("构建引擎失败: %v", err)
	}
	defer eng.close()

	srv := httptest.NewServer(newHandler(eng.svc, eng.metrics))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("请求 /healthz 失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz 应返回 200, 实际 %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/prices?ids=A,L")
	if err != nil {
		t.Fatalf("请求 /prices 失败: %v", err)
	}
	var prices map[string]map[string]any
	err = json.NewDecoder(resp.Body).Decode(&prices)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("解析价格失败: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("应返回 2 个价格: %v", prices)
	}

	resp, err = http.Get(srv.URL + "/prices")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("缺少 ids 应返回 400, 实际 %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求 /metrics 失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics 应返回 200")
	}
}

func TestSignalsEndpointWithoutStore(t *testing.T) {
	a, _ := testApp(t)
	eng, err := a.buildEngine(context.Background())
	if err != nil {
		t.Fatalf("构建引擎失败: %v", err)
	}
	defer eng.close()

	srv := httptest.NewServer(newHandler(eng.svc, eng.metrics))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/signals?limit=abc")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("非法 limit 应返回 400, 实际 %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/signals")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未配置存储时应返回 404, 实际 %d", resp.StatusCode)
	}
}

func TestDatabaseCommandsRequireDSN(t *testing.T) {
	a, _ := testApp(t)
	ctx := context.Background()
	if err := a.Signals(ctx, SignalsOptions{}); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("应返回 ErrNoDatabase, 实际 %v", err)
	}
	if err := a.ImportVaults(ctx, ""); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("应返回 ErrNoDatabase, 实际 %v", err)
	}
}

func TestWriteSignalsTable(t *testing.T) {
	a, out := testApp(t)
	records := []storage.SignalRecord{{
		ContractID:   "L",
		Symbol:       "A-B\nLP",
		MarketUSD:    decimal.NewFromInt(120),
		IntrinsicUSD: decimal.NewFromInt(160),
		DeviationPct: decimal.NewFromInt(-25),
		Direction:    "below",
		SnapshotID:   "snap-1",
		DetectedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	if err := writeSignals(a, records, false); err != nil {
		t.Fatalf("输出失败: %v", err)
	}
	text := out.String()
	for _, want := range []string{"2026-03-01 12:00:00", "A-B LP", "120.000000", "-25.000", "below", "snap-1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, text)
		}
	}

	out.Reset()
	if err := writeSignals(a, nil, false); err != nil || !strings.Contains(out.String(), "no signals recorded") {
		t.Fatalf("空列表输出错误: %q %v", out.String(), err)
	}
}

type memoryVaults struct {
	upserted []vault.Vault
}

func (m *memoryVaults) ListVaults(context.Context) ([]vault.Vault, error) { return m.upserted, nil }

func (m *memoryVaults) UpsertVault(_ context.Context, v vault.Vault) error {
	m.upserted = append(m.upserted, v)
	return nil
}

func TestImportVaultsUpsertsListing(t *testing.T) {
	a, out := testApp(t)
	vaults, _, err := vault.DecodeJSON([]byte(vaultsJSON))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	vaults = append(vaults, vault.Vault{Kind: vault.KindPool})

	store := &memoryVaults{}
	if err := importVaults(context.Background(), a, store, vaults); err != nil {
		t.Fatalf("导入失败: %v", err)
	}
	if len(store.upserted) != 3 {
		t.Fatalf("应导入 3 个 vault, 实际 %d", len(store.upserted))
	}
	if !strings.Contains(out.String(), "imported 3 vaults") {
		t.Fatalf("输出错误: %q", out.String())
	}
}
