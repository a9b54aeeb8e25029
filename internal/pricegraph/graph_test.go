package pricegraph

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"token-pricer/internal/vault"
)

const anchor = "anchor"

func pool(id, a, b string, resA, resB int64) vault.Vault {
	return vault.Vault{
		ContractID:  id,
		Kind:        vault.KindPool,
		TokenA:      vault.Token{ContractID: a, Symbol: a},
		TokenB:      vault.Token{ContractID: b, Symbol: b},
		ReservesA:   big.NewInt(resA),
		ReservesB:   big.NewInt(resB),
		TotalSupply: big.NewInt(1000),
	}
}

func build(vaults ...vault.Vault) *Graph {
	return Build(vaults, Options{
		AnchorID:    anchor,
		AnchorPrice: decimal.NewFromInt(60000),
		HopDecay:    0.05,
		BuiltAt:     time.Unix(1_700_000_000, 0),
	})
}

func TestDirectAnchorPair(t *testing.T) {
	// 1000 A against 1 anchor: rate 0.001 anchor per A
	g := build(pool("p1", "A", anchor, 1000, 1))

	q, ok := g.PriceOf("A")
	if !ok {
		t.Fatal("A 应可定价")
	}
	if !q.PriceUSD.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("期望 $60, 实际 %s", q.PriceUSD)
	}
	if q.Confidence != 1.0 || q.Hops != 1 {
		t.Fatalf("直接锚定对应置信度 1.0, 实际 %v hops=%d", q.Confidence, q.Hops)
	}
	if len(q.Path) != 2 || q.Path[0] != anchor || q.Path[1] != "A" {
		t.Fatalf("路径错误: %v", q.Path)
	}

	aq, ok := g.PriceOf(anchor)
	if !ok || !aq.PriceUSD.Equal(decimal.NewFromInt(60000)) || aq.Hops != 0 {
		t.Fatalf("锚定币价格应为预言机价格: %#v", aq)
	}
}

func TestMultiHopAndDecay(t *testing.T) {
	// anchor -> A ($60) -> B: 1 A = 5 B => B = $12
	g := build(
		pool("p1", "A", anchor, 1000, 1),
		pool("p2", "A", "B", 100, 500),
	)
	q, ok := g.PriceOf("B")
	if !ok {
		t.Fatal("B 应可通过两跳定价")
	}
	if !q.PriceUSD.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("期望 $12, 实际 %s", q.PriceUSD)
	}
	if len(q.Path) != 3 || q.Path[1] != "A" {
		t.Fatalf("路径应经过 A: %v", q.Path)
	}
	if q.Hops != 2 || q.Confidence != 0.95 {
		t.Fatalf("两跳置信度应为 0.95, 实际 %v hops=%d", q.Confidence, q.Hops)
	}
}

func TestUnreachableToken(t *testing.T) {
	g := build(
		pool("p1", "A", anchor, 1000, 1),
		pool("p2", "X", "Y", 10, 10),
	)
	if _, ok := g.PriceOf("X"); ok {
		t.Fatal("与锚定币不连通的 token 不应可定价")
	}
	if _, ok := g.PriceOf("missing"); ok {
		t.Fatal("未知 token 不应可定价")
	}
}

func TestPrefersDeeperLiquidity(t *testing.T) {
	// shallow direct pool says B = $20000, deep two-hop route says B = $12
	g := build(
		pool("shallow", "B", anchor, 3, 1),
		pool("deep1", "A", anchor, 1_000_000, 1000),
		pool("deep2", "A", "B", 1_000_000, 5_000_000),
	)
	q, ok := g.PriceOf("B")
	if !ok {
		t.Fatal("B 应可定价")
	}
	if !q.PriceUSD.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("应选择流动性更深的路径 ($12), 实际 %s via %v", q.PriceUSD, q.Path)
	}
}

func TestTieBreaksOnHops(t *testing.T) {
	g := build(
		pool("p1", "A", anchor, 100, 100),
		pool("p2", "A", "C", 100, 100),
		pool("p3", "C", anchor, 100, 100),
	)
	q, _ := g.PriceOf("A")
	if q.Hops != 1 {
		t.Fatalf("应选择更少跳数的路径, 实际 %v", q.Path)
	}
	if !better(1.0, 1, 1.0, 2) || better(1.0, 2, 1.0, 1) {
		t.Fatal("等成本时应以跳数决胜")
	}
}

func TestSublinkPeg(t *testing.T) {
	link := vault.Vault{
		ContractID:  "link",
		Kind:        vault.KindSublink,
		TokenA:      vault.Token{ContractID: "A", Decimals: 6},
		TokenB:      vault.Token{ContractID: "A-sub", Decimals: 8},
		ReservesA:   big.NewInt(5_000_000),
		ReservesB:   big.NewInt(700_000_000),
		TotalSupply: big.NewInt(0),
	}
	g := build(pool("p1", "A", anchor, 1000, 1), link)
	q, ok := g.PriceOf("A-sub")
	if !ok || !q.PriceUSD.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("SUBLINK 应 1:1 锚定, 实际 %s", q.PriceUSD)
	}
}

func TestSkipsEmptyPoolsAndOtherKinds(t *testing.T) {
	other := pool("o", "Z", anchor, 10, 10)
	other.Kind = vault.KindOther
	g := build(pool("p1", "A", anchor, 0, 1), other)
	if _, ok := g.PriceOf("A"); ok {
		t.Fatal("零储备池不应产生边")
	}
	if _, ok := g.PriceOf("Z"); ok {
		t.Fatal("OTHER 类型不应产生边")
	}
	if g.Stats(g.BuiltAt()).PoolCount != 0 {
		t.Fatal("不应有任何池")
	}
}

func TestReachableTokensArePositive(t *testing.T) {
	g := build(
		pool("p1", "A", anchor, 1000, 1),
		pool("p2", "A", "B", 1, 1_000_000_000),
		pool("p3", "B", "C", 1, 1_000_000_000),
	)
	for _, id := range []string{"A", "B", "C"} {
		q, ok := g.PriceOf(id)
		if !ok || q.PriceUSD.Sign() <= 0 {
			t.Fatalf("%s 可达时价格必须为正, 实际 %s", id, q.PriceUSD)
		}
	}
}

func TestStatsAndHealth(t *testing.T) {
	lp := pool("LP", "A", "B", 10, 10)
	g := build(pool("p1", "A", anchor, 1000, 1), pool("p2", "B", anchor, 1000, 1), lp)

	// A, B, anchor plus the three pool LP tokens

	now := g.BuiltAt().Add(2 * time.Second)
	stats := g.Stats(now)
	if stats.TokenCount != 6 || stats.PoolCount != 3 || stats.AnchorPairCount != 2 || stats.AgeMs != 2000 {
		t.Fatalf("统计不正确: %#v", stats)
	}
	if !g.Healthy(now, 0) {
		t.Fatal("新建图应健康")
	}
	if g.Healthy(g.BuiltAt().Add(11*time.Minute), 0) {
		t.Fatal("超过 10 分钟应视为不健康")
	}

	base := g.BasePrices()
	if _, ok := base["LP"]; ok {
		t.Fatal("BasePrices 不应包含 LP token")
	}
	if _, ok := base["A"]; !ok {
		t.Fatal("BasePrices 应包含 A")
	}

	var nilGraph *Graph
	if nilGraph.Healthy(now, 0) {
		t.Fatal("nil 图不健康")
	}
}

func TestNoAnchorPrice(t *testing.T) {
	g := Build([]vault.Vault{pool("p1", "A", anchor, 1000, 1)}, Options{AnchorID: anchor})
	if _, ok := g.PriceOf("A"); ok {
		t.Fatal("无锚定价格时不应定价")
	}
}
