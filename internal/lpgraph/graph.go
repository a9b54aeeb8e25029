// Package lpgraph resolves nested LP tokens into dependency levels.
//
// Level 0 holds LP tokens whose constituents are both plain tokens; an LP
// token holding a level n composite sits at level n+1. Cyclic or
// unresolvable entries are excluded instead of failing the build.
package lpgraph

import (
	"sort"

	"github.com/rs/zerolog"

	"token-pricer/internal/vault"
)

// Exclusion reasons reported by Excluded.
const (
	ReasonMissingConstituent = "missing constituent"
	ReasonNoSupply           = "no total supply"
	ReasonMissingReserves    = "missing reserves"
	ReasonCycle              = "dependency cycle"
	ReasonExcludedDependency = "depends on excluded token"
)

// Constituent is one held token of an LP.
type Constituent struct {
	ContractID string `json:"contract_id"`
	Composite  bool   `json:"composite"`
}

// Dependency is one composite token and what it needs to be priced.
type Dependency struct {
	ContractID   string      `json:"contract_id"`
	Symbol       string      `json:"symbol"`
	ConstituentA Constituent `json:"constituent_a"`
	ConstituentB Constituent `json:"constituent_b"`
	// DependsOn is every contract id reachable through the constituents, sorted.
	DependsOn []string    `json:"depends_on"`
	Level     int         `json:"level"`
	Vault     vault.Vault `json:"-"`
}

// Graph is an immutable dependency graph.
type Graph struct {
	deps     map[string]*Dependency
	levels   map[int][]string
	excluded map[string]string
}

// Build indexes every POOL vault as a composite token and assigns levels.
func Build(vaults []vault.Vault, logger zerolog.Logger) *Graph {
	logger = logger.With().Str("component", "lpgraph").Logger()

	g := &Graph{
		deps:     make(map[string]*Dependency),
		levels:   make(map[int][]string),
		excluded: make(map[string]string),
	}

	idx := vault.NewIndex(vaults)
	pending := make(map[string]*Dependency)

	for _, v := range vaults {
		if !v.IsLP() {
			continue
		}
		a, b, _ := v.Constituents()
		switch {
		case a.ContractID == "" || b.ContractID == "":
			g.exclude(logger, v.ContractID, ReasonMissingConstituent)
			continue
		case v.TotalSupply == nil || v.TotalSupply.Sign() <= 0:
			g.exclude(logger, v.ContractID, ReasonNoSupply)
			continue
		case v.ReservesA == nil || v.ReservesB == nil:
			g.exclude(logger, v.ContractID, ReasonMissingReserves)
			continue
		}
		pending[v.ContractID] = &Dependency{
			ContractID:   v.ContractID,
			Symbol:       v.Symbol,
			ConstituentA: Constituent{ContractID: a.ContractID, Composite: idx.IsComposite(a.ContractID)},
			ConstituentB: Constituent{ContractID: b.ContractID, Composite: idx.IsComposite(b.ContractID)},
			Level:        -1,
			Vault:        v,
		}
	}

	// Every round either settles at least one token or stops, so the
	// loop runs at most len(pending)+1 times even when cycles exist.
	bound := len(pending) + 1
	for round := 0; round < bound && len(pending) > 0; round++ {
		progressed := false
		for _, id := range sortedKeys(pending) {
			dep := pending[id]
			level, blockedBy, ready := g.levelOf(dep)
			if blockedBy != "" {
				delete(pending, id)
				g.exclude(logger.With().Str("dependency", blockedBy).Logger(), id, ReasonExcludedDependency)
				progressed = true
				continue
			}
			if !ready {
				continue
			}
			dep.Level = level
			dep.DependsOn = g.dependsOn(dep)
			g.deps[id] = dep
			g.levels[level] = append(g.levels[level], id)
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// Whatever is left is stuck on a cycle. Only members of a cycle get
	// ReasonCycle; tokens that merely hold one are reported by dependency.
	stuck := sortedKeys(pending)
	var onCycle []string
	for _, id := range stuck {
		if reachesSelf(pending, id) {
			onCycle = append(onCycle, id)
		}
	}
	for _, id := range onCycle {
		g.exclude(logger, id, ReasonCycle)
		delete(pending, id)
	}
	for _, id := range stuck {
		dep, ok := pending[id]
		if !ok {
			continue
		}
		g.exclude(logger.With().Str("dependency", g.pendingBlocker(dep, pending)).Logger(), id, ReasonExcludedDependency)
	}

	for level := range g.levels {
		sort.Strings(g.levels[level])
	}

	logger.Debug().
		Int("resolved", len(g.deps)).
		Int("excluded", len(g.excluded)).
		Int("levels", len(g.levels)).
		Msg("dependency graph built")
	return g
}

// levelOf returns the level once every composite constituent is resolved.
// blockedBy is set when a constituent has been excluded.
func (g *Graph) levelOf(dep *Dependency) (level int, blockedBy string, ready bool) {
	level = 0
	for _, c := range []Constituent{dep.ConstituentA, dep.ConstituentB} {
		if !c.Composite {
			continue
		}
		if _, bad := g.excluded[c.ContractID]; bad {
			return 0, c.ContractID, false
		}
		resolved, ok := g.deps[c.ContractID]
		if !ok {
			return 0, "", false
		}
		if resolved.Level+1 > level {
			level = resolved.Level + 1
		}
	}
	return level, "", true
}

// reachesSelf reports whether id is reachable from its own unresolved
// constituents.
func reachesSelf(pending map[string]*Dependency, id string) bool {
	seen := make(map[string]bool)
	stack := pendingConstituents(pending[id], pending)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, pendingConstituents(pending[cur], pending)...)
	}
	return false
}

func pendingConstituents(dep *Dependency, pending map[string]*Dependency) []string {
	if dep == nil {
		return nil
	}
	var out []string
	for _, c := range []Constituent{dep.ConstituentA, dep.ConstituentB} {
		if _, ok := pending[c.ContractID]; ok && c.Composite {
			out = append(out, c.ContractID)
		}
	}
	return out
}

// pendingBlocker names the constituent holding dep back, preferring one
// already excluded.
func (g *Graph) pendingBlocker(dep *Dependency, pending map[string]*Dependency) string {
	blocker := ""
	for _, c := range []Constituent{dep.ConstituentA, dep.ConstituentB} {
		if !c.Composite {
			continue
		}
		if _, bad := g.excluded[c.ContractID]; bad {
			return c.ContractID
		}
		if _, ok := pending[c.ContractID]; !ok {
			continue
		}
		if blocker == "" {
			blocker = c.ContractID
		}
	}
	return blocker
}

func (g *Graph) dependsOn(dep *Dependency) []string {
	set := make(map[string]struct{})
	for _, c := range []Constituent{dep.ConstituentA, dep.ConstituentB} {
		set[c.ContractID] = struct{}{}
		if inner, ok := g.deps[c.ContractID]; ok {
			for _, id := range inner.DependsOn {
				set[id] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

func (g *Graph) exclude(logger zerolog.Logger, id, reason string) {
	g.excluded[id] = reason
	logger.Warn().Str("contract_id", id).Str("reason", reason).Msg("LP token excluded from dependency graph")
}

// Levels returns the populated levels in ascending order.
func (g *Graph) Levels() []int {
	out := make([]int, 0, len(g.levels))
	for level := range g.levels {
		out = append(out, level)
	}
	sort.Ints(out)
	return out
}

// TokensAtLevel returns the sorted contract ids at level n.
func (g *Graph) TokensAtLevel(n int) []string {
	ids := g.levels[n]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Dependency looks up a resolved composite token.
func (g *Graph) Dependency(contractID string) (Dependency, bool) {
	dep, ok := g.deps[contractID]
	if !ok {
		return Dependency{}, false
	}
	return *dep, true
}

// Excluded returns contract id → reason for every rejected composite.
func (g *Graph) Excluded() map[string]string {
	out := make(map[string]string, len(g.excluded))
	for id, reason := range g.excluded {
		out[id] = reason
	}
	return out
}

// Len is the number of resolved composite tokens.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.deps)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
