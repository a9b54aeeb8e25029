package lpgraph

import (
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"token-pricer/internal/vault"
)

func lp(id, a, b string) vault.Vault {
	return vault.Vault{
		ContractID:  id,
		Symbol:      id,
		Kind:        vault.KindPool,
		TokenA:      vault.Token{ContractID: a},
		TokenB:      vault.Token{ContractID: b},
		ReservesA:   big.NewInt(100),
		ReservesB:   big.NewInt(100),
		TotalSupply: big.NewInt(10),
	}
}

func TestLevels(t *testing.T) {
	g := Build([]vault.Vault{
		lp("L1", "A", "B"),
		lp("L2", "C", "D"),
		lp("L3", "L1", "C"),
		lp("L4", "L3", "L2"),
		{ContractID: "S", Kind: vault.KindSublink, TokenA: vault.Token{ContractID: "A"}, TokenB: vault.Token{ContractID: "A2"}},
	}, zerolog.Nop())

	if got := g.Levels(); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("层级错误: %v", got)
	}
	if got := g.TokensAtLevel(0); !reflect.DeepEqual(got, []string{"L1", "L2"}) {
		t.Fatalf("第 0 层错误: %v", got)
	}
	if got := g.TokensAtLevel(2); !reflect.DeepEqual(got, []string{"L4"}) {
		t.Fatalf("第 2 层错误: %v", got)
	}
	if g.Len() != 4 {
		t.Fatalf("SUBLINK 不应成为 LP 依赖, Len=%d", g.Len())
	}

	dep, ok := g.Dependency("L4")
	if !ok {
		t.Fatal("L4 应存在")
	}
	if !dep.ConstituentA.Composite || !dep.ConstituentB.Composite {
		t.Fatalf("L4 的两个成分都应为复合 token: %#v", dep)
	}
	want := []string{"A", "B", "C", "D", "L1", "L2", "L3"}
	if !reflect.DeepEqual(dep.DependsOn, want) {
		t.Fatalf("传递依赖错误: %v", dep.DependsOn)
	}

	l1, _ := g.Dependency("L1")
	if l1.ConstituentA.Composite || l1.Level != 0 {
		t.Fatalf("L1 应为第 0 层且成分为普通 token: %#v", l1)
	}
	if _, ok := g.Dependency("missing"); ok {
		t.Fatal("未知 token 不应返回依赖")
	}
}

func TestCycleIsExcludedAndTerminates(t *testing.T) {
	done := make(chan *Graph, 1)
	go func() {
		done <- Build([]vault.Vault{
			lp("X", "Y", "A"),
			lp("Y", "X", "B"),
			lp("Z", "X", "C"),
			lp("W", "Z", "D"),
			lp("SELF", "SELF", "A"),
			lp("OK", "A", "B"),
		}, zerolog.Nop())
	}()

	var g *Graph
	select {
	case g = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("存在环时构建应在有限步内结束")
	}

	excluded := g.Excluded()
	for _, id := range []string{"X", "Y", "Z", "W", "SELF"} {
		if _, ok := excluded[id]; !ok {
			t.Fatalf("%s 应被排除, 实际 %v", id, excluded)
		}
		if _, ok := g.Dependency(id); ok {
			t.Fatalf("%s 不应出现在依赖图中", id)
		}
	}
	for _, id := range []string{"X", "Y", "SELF"} {
		if excluded[id] != ReasonCycle {
			t.Fatalf("%s 排除原因应为环, 实际 %q", id, excluded[id])
		}
	}
	// Z and W only hold cycle members.
	for _, id := range []string{"Z", "W"} {
		if excluded[id] != ReasonExcludedDependency {
			t.Fatalf("%s 排除原因应为依赖被排除, 实际 %q", id, excluded[id])
		}
	}
	if g.Len() != 1 {
		t.Fatalf("只有 OK 应被解析, Len=%d", g.Len())
	}
}

func TestMissingData(t *testing.T) {
	noSupply := lp("NS", "A", "B")
	noSupply.TotalSupply = big.NewInt(0)
	noSide := lp("NC", "A", "")
	noReserves := lp("NR", "A", "B")
	noReserves.ReservesB = nil

	g := Build([]vault.Vault{noSupply, noSide, noReserves, lp("UP", "NS", "A")}, zerolog.Nop())

	excluded := g.Excluded()
	cases := map[string]string{
		"NS": ReasonNoSupply,
		"NC": ReasonMissingConstituent,
		"NR": ReasonMissingReserves,
		"UP": ReasonExcludedDependency,
	}
	for id, reason := range cases {
		if excluded[id] != reason {
			t.Fatalf("%s 排除原因应为 %q, 实际 %q", id, reason, excluded[id])
		}
	}
	if g.Len() != 0 || len(g.Levels()) != 0 {
		t.Fatal("不应有任何已解析 token")
	}
}
