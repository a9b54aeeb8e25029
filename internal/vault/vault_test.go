package vault

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"POOL":    KindPool,
		"pool":    KindPool,
		"SUBLINK": KindSublink,
		"":        KindOther,
		"OTHER":   KindOther,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		if err != nil {
			t.Fatalf("ParseKind(%q) 不应报错: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %s, want %s", raw, got, want)
		}
	}

	kind, err := ParseKind("ENERGY")
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("未知类型应返回 ErrUnknownKind, 实际 %v", err)
	}
	if kind != KindOther {
		t.Fatalf("未知类型应归为 OTHER, 实际 %s", kind)
	}
}

func TestConstituentsByKind(t *testing.T) {
	a := Token{ContractID: "a"}
	b := Token{ContractID: "b"}

	if _, _, ok := (Vault{Kind: KindOther, TokenA: a, TokenB: b}).Constituents(); ok {
		t.Fatal("OTHER 类型不应返回成分")
	}
	gotA, gotB, ok := (Vault{Kind: KindSublink, TokenA: a, TokenB: b}).Constituents()
	if !ok || gotA != a || gotB != b {
		t.Fatal("SUBLINK 应返回两个成分")
	}
	if (Vault{Kind: KindSublink, ContractID: "x"}).IsLP() {
		t.Fatal("SUBLINK 不是 LP")
	}
	if !(Vault{Kind: KindPool, ContractID: "x"}).IsLP() {
		t.Fatal("POOL 应为 LP")
	}
}

func TestIndexComposite(t *testing.T) {
	idx := NewIndex([]Vault{
		{ContractID: "lp1", Symbol: "A-B", Kind: KindPool, TokenA: Token{ContractID: "a", Symbol: "A"}, TokenB: Token{ContractID: "b", Symbol: "B"}},
		{ContractID: "lp2", Symbol: "LP1-C", Kind: KindPool, TokenA: Token{ContractID: "lp1"}, TokenB: Token{ContractID: "c", Symbol: "C"}},
	})

	if !idx.IsComposite("lp1") || !idx.IsComposite("lp2") {
		t.Fatal("lp1/lp2 应为复合代币")
	}
	if idx.IsComposite("a") {
		t.Fatal("a 不是复合代币")
	}
	tok, ok := idx.Token("lp1")
	if !ok || tok.Symbol != "A-B" {
		t.Fatalf("lp1 元数据应来自 vault 记录: %#v", tok)
	}
	if len(idx.Tokens()) != 5 {
		t.Fatalf("期望 5 个 token, 实际 %d", len(idx.Tokens()))
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(big.NewInt(1_500_000), 6)
	if got.String() != "1.5" {
		t.Fatalf("期望 1.5, 实际 %s", got)
	}
	if !Normalize(nil, 6).IsZero() {
		t.Fatal("nil 应视为 0")
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaults.json")
	payload := `[
	  {"contract_id":"lp1","symbol":"A-B","decimals":6,"type":"POOL",
	   "token_a":{"contract_id":"a","symbol":"A","decimals":6},
	   "token_b":{"contract_id":"b","symbol":"B","decimals":8},
	   "reserves_a":"1000000","reserves_b":"250000000","total_supply":"42"},
	  {"contract_id":"e1","type":"ENERGY"}
	]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	p := &FileProvider{Path: path, Logger: &logger}
	vaults, err := p.ListVaults(context.Background())
	if err != nil {
		t.Fatalf("读取 vault 文件失败: %v", err)
	}
	if len(vaults) != 2 {
		t.Fatalf("期望 2 条记录, 实际 %d", len(vaults))
	}
	if vaults[0].Kind != KindPool || vaults[0].ReservesB.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Fatalf("第一条记录解析错误: %#v", vaults[0])
	}
	if vaults[1].Kind != KindOther {
		t.Fatalf("未知类型应为 OTHER, 实际 %s", vaults[1].Kind)
	}
	if !strings.Contains(logs.String(), `"contract_id":"e1"`) || !strings.Contains(logs.String(), `"type":"ENERGY"`) {
		t.Fatalf("未知类型应记录告警日志, 实际 %q", logs.String())
	}
}

func TestDecodeJSONReportsUnknownKinds(t *testing.T) {
	vaults, unknown, err := DecodeJSON([]byte(`[
	  {"contract_id":"p","type":"POOL"},
	  {"contract_id":"o","type":"OTHER"},
	  {"contract_id":"e","type":"ENERGY"}
	]`))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(vaults) != 3 {
		t.Fatalf("未知类型的记录不应丢弃, 实际 %d 条", len(vaults))
	}
	want := []UnknownKind{{ContractID: "e", Type: "ENERGY"}}
	if len(unknown) != 1 || unknown[0] != want[0] {
		t.Fatalf("未知类型列表错误: %#v", unknown)
	}
}

func TestDecodeJSONInvalidAmount(t *testing.T) {
	if _, _, err := DecodeJSON([]byte(`[{"contract_id":"x","type":"POOL","reserves_a":"abc"}]`)); err == nil {
		t.Fatal("非法数量应报错")
	}
}
