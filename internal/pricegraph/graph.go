// Package pricegraph builds an immutable token/pool graph and resolves
// best-path prices from the anchor token.
package pricegraph

import (
	"container/heap"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"token-pricer/internal/vault"
)

// DefaultMaxAge is the graph age past which it is considered unhealthy.
const DefaultMaxAge = 10 * time.Minute

const pricePrecision = 36

// Node is one token in the graph.
type Node struct {
	ContractID string
	Symbol     string
	Decimals   int32
	Composite  bool
}

// Edge is one pool connecting two tokens. Traversal is allowed both ways.
type Edge struct {
	PoolID   string
	Kind     vault.Kind
	TokenA   string
	TokenB   string
	ReserveA *big.Int
	ReserveB *big.Int
	// Rate is units of B per unit of A, both normalised by decimals.
	Rate   decimal.Decimal
	Depth  float64
	Weight float64
}

// Quote is the resolved price of one token.
type Quote struct {
	ContractID  string
	PriceUSD    decimal.Decimal
	PriceAnchor decimal.Decimal
	Path        []string
	Hops        int
	Confidence  float64
}

// Stats summarises a built graph.
type Stats struct {
	TokenCount      int   `json:"token_count"`
	PoolCount       int   `json:"pool_count"`
	AnchorPairCount int   `json:"anchor_pair_count"`
	AgeMs           int64 `json:"age_ms"`
}

// Options control graph construction.
type Options struct {
	AnchorID    string
	AnchorPrice decimal.Decimal
	// MinDepth drops pools whose normalised depth is below this value.
	MinDepth float64
	// HopDecay reduces confidence by this fraction per hop beyond the first.
	HopDecay float64
	BuiltAt  time.Time
}

// Graph is an immutable snapshot; it is safe for concurrent readers.
type Graph struct {
	anchorID    string
	anchorPrice decimal.Decimal
	builtAt     time.Time

	nodes  map[string]Node
	edges  []Edge
	adj    map[string][]int
	quotes map[string]Quote
}

// Build constructs the graph from a vault listing and resolves every
// token reachable from the anchor.
func Build(vaults []vault.Vault, opts Options) *Graph {
	if opts.BuiltAt.IsZero() {
		opts.BuiltAt = time.Now()
	}

	g := &Graph{
		anchorID:    opts.AnchorID,
		anchorPrice: opts.AnchorPrice,
		builtAt:     opts.BuiltAt,
		nodes:       make(map[string]Node),
		adj:         make(map[string][]int),
		quotes:      make(map[string]Quote),
	}

	idx := vault.NewIndex(vaults)
	for _, tok := range idx.Tokens() {
		g.nodes[tok.ContractID] = Node{
			ContractID: tok.ContractID,
			Symbol:     tok.Symbol,
			Decimals:   tok.Decimals,
			Composite:  idx.IsComposite(tok.ContractID),
		}
	}

	for _, v := range vaults {
		edge, ok := newEdge(v, opts.MinDepth)
		if !ok {
			continue
		}
		i := len(g.edges)
		g.edges = append(g.edges, edge)
		g.adj[edge.TokenA] = append(g.adj[edge.TokenA], i)
		g.adj[edge.TokenB] = append(g.adj[edge.TokenB], i)
	}

	if opts.AnchorID != "" && opts.AnchorPrice.Sign() > 0 {
		if _, ok := g.nodes[opts.AnchorID]; !ok {
			g.nodes[opts.AnchorID] = Node{ContractID: opts.AnchorID}
		}
		g.resolve(opts.HopDecay)
	}
	return g
}

func newEdge(v vault.Vault, minDepth float64) (Edge, bool) {
	a, b, ok := v.Constituents()
	if !ok || a.ContractID == "" || b.ContractID == "" || a.ContractID == b.ContractID {
		return Edge{}, false
	}
	if v.ReservesA == nil || v.ReservesB == nil || v.ReservesA.Sign() <= 0 || v.ReservesB.Sign() <= 0 {
		return Edge{}, false
	}

	normA := vault.Normalize(v.ReservesA, a.Decimals)
	normB := vault.Normalize(v.ReservesB, b.Decimals)

	var rate decimal.Decimal
	switch v.Kind {
	case vault.KindSublink:
		rate = decimal.NewFromInt(1)
	case vault.KindPool:
		rate = normB.DivRound(normA, pricePrecision)
	default:
		return Edge{}, false
	}
	if rate.Sign() <= 0 {
		return Edge{}, false
	}

	depth := math.Sqrt(normA.InexactFloat64() * normB.InexactFloat64())
	if depth <= 0 || math.IsInf(depth, 0) || math.IsNaN(depth) || depth < minDepth {
		return Edge{}, false
	}

	return Edge{
		PoolID:   v.ContractID,
		Kind:     v.Kind,
		TokenA:   a.ContractID,
		TokenB:   b.ContractID,
		ReserveA: v.ReservesA,
		ReserveB: v.ReservesB,
		Rate:     rate,
		Depth:    depth,
		Weight:   1 / depth,
	}, true
}

// resolve runs Dijkstra from the anchor over (weight, hops).
func (g *Graph) resolve(hopDecay float64) {
	type state struct {
		cost  float64
		hops  int
		price decimal.Decimal // anchor units per token
		prev  string
		done  bool
	}

	states := map[string]*state{
		g.anchorID: {price: decimal.NewFromInt(1)},
	}
	pq := &queue{}
	heap.Push(pq, &item{token: g.anchorID})

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*item)
		st := states[cur.token]
		if st.done || cur.cost != st.cost || cur.hops != st.hops {
			continue
		}
		st.done = true

		for _, ei := range g.adj[cur.token] {
			e := g.edges[ei]
			next, rate := e.TokenB, e.Rate
			var priceNext decimal.Decimal
			if cur.token == e.TokenA {
				// one A buys Rate B, so one B is worth price(A)/Rate
				priceNext = st.price.DivRound(rate, pricePrecision)
			} else {
				next = e.TokenA
				priceNext = st.price.Mul(rate).Round(pricePrecision)
			}
			if priceNext.Sign() <= 0 {
				continue
			}

			cost := st.cost + e.Weight
			hops := st.hops + 1
			ns, seen := states[next]
			if seen && (ns.done || !better(cost, hops, ns.cost, ns.hops)) {
				continue
			}
			states[next] = &state{cost: cost, hops: hops, price: priceNext, prev: cur.token}
			heap.Push(pq, &item{token: next, cost: cost, hops: hops})
		}
	}

	for id, st := range states {
		path := []string{id}
		for p := st.prev; p != ""; p = states[p].prev {
			path = append(path, p)
		}
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		confidence := 1.0
		if st.hops > 1 {
			confidence = math.Max(0, 1-hopDecay*float64(st.hops-1))
		}
		g.quotes[id] = Quote{
			ContractID:  id,
			PriceUSD:    st.price.Mul(g.anchorPrice),
			PriceAnchor: st.price,
			Path:        path,
			Hops:        st.hops,
			Confidence:  confidence,
		}
	}
}

func better(cost float64, hops int, oldCost float64, oldHops int) bool {
	if cost != oldCost {
		return cost < oldCost
	}
	return hops < oldHops
}

// PriceOf returns the resolved price for a token. ok is false when the
// token has no path to the anchor.
func (g *Graph) PriceOf(contractID string) (Quote, bool) {
	if g == nil {
		return Quote{}, false
	}
	q, ok := g.quotes[contractID]
	if !ok || q.PriceUSD.Sign() <= 0 {
		return Quote{}, false
	}
	return q, true
}

// BasePrices returns the USD prices of all resolved non-composite tokens.
func (g *Graph) BasePrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(g.quotes))
	for id, q := range g.quotes {
		if g.nodes[id].Composite || q.PriceUSD.Sign() <= 0 {
			continue
		}
		out[id] = q.PriceUSD
	}
	return out
}

// Node returns token metadata.
func (g *Graph) Node(contractID string) (Node, bool) {
	n, ok := g.nodes[contractID]
	return n, ok
}

// Nodes returns all token ids sorted.
func (g *Graph) Nodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns a copy of the pool edges.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// AnchorID returns the anchor token id.
func (g *Graph) AnchorID() string { return g.anchorID }

// AnchorPrice returns the oracle price the graph was built with.
func (g *Graph) AnchorPrice() decimal.Decimal { return g.anchorPrice }

// BuiltAt returns the build timestamp.
func (g *Graph) BuiltAt() time.Time { return g.builtAt }

// Stats reports graph size and age.
func (g *Graph) Stats(now time.Time) Stats {
	if g == nil {
		return Stats{}
	}
	return Stats{
		TokenCount:      len(g.nodes),
		PoolCount:       len(g.edges),
		AnchorPairCount: len(g.adj[g.anchorID]),
		AgeMs:           now.Sub(g.builtAt).Milliseconds(),
	}
}

// Healthy reports whether the graph is younger than maxAge and has priced the anchor.
func (g *Graph) Healthy(now time.Time, maxAge time.Duration) bool {
	if g == nil {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if _, ok := g.quotes[g.anchorID]; !ok {
		return false
	}
	return now.Sub(g.builtAt) <= maxAge
}

type item struct {
	token string
	cost  float64
	hops  int
}

type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	return better(q[i].cost, q[i].hops, q[j].cost, q[j].hops)
}
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(*item)) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
