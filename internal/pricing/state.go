package pricing

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"token-pricer/internal/cache"
	"token-pricer/internal/lpgraph"
	"token-pricer/internal/lpqueue"
	"token-pricer/internal/oracle"
	"token-pricer/internal/pricegraph"
	"token-pricer/internal/vault"
)

// TokenNode is the registry entry for one discovered token.
type TokenNode struct {
	ContractID string          `json:"contract_id"`
	Symbol     string          `json:"symbol"`
	Decimals   int32           `json:"decimals"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	Confidence float64         `json:"confidence"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Composite  bool            `json:"composite"`
}

// Stale reports whether the node has no price or one older than maxAge.
func (n TokenNode) Stale(now time.Time, maxAge time.Duration) bool {
	if n.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(n.UpdatedAt) > maxAge
}

// Snapshot is the immutable output of one refresh. Readers load it once and
// never observe a later rebuild.
type Snapshot struct {
	ID             string
	Graph          *pricegraph.Graph
	Deps           *lpgraph.Graph
	Intrinsic      lpqueue.Outcome
	AnchorPrice    decimal.Decimal
	AnchorFallback bool
	// ConfidenceFactor scales every result; below 1 when the anchor price is a fallback.
	ConfidenceFactor float64
	BuiltAt          time.Time
}

// State is the per-engine mutable state: collaborators, the token registry
// and the current snapshot. Independent engines get independent States.
type State struct {
	Oracle *oracle.Oracle
	Vaults vault.Provider
	Cache  cache.Store

	snapshot atomic.Pointer[Snapshot]

	mu     sync.RWMutex
	tokens map[string]*TokenNode
}

// NewState wires the collaborators. store may be nil to disable caching.
func NewState(o *oracle.Oracle, provider vault.Provider, store cache.Store) *State {
	return &State{
		Oracle: o,
		Vaults: provider,
		Cache:  store,
		tokens: make(map[string]*TokenNode),
	}
}

// Snapshot returns the current snapshot or nil before the first refresh.
func (s *State) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

func (s *State) swap(snap *Snapshot) {
	s.mu.Lock()
	s.snapshot.Store(snap)
	s.mu.Unlock()
}

// discover registers graph nodes not seen before and refreshes metadata.
func (s *State) discover(g *pricegraph.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range g.Nodes() {
		n, _ := g.Node(id)
		existing, ok := s.tokens[id]
		if !ok {
			s.tokens[id] = &TokenNode{
				ContractID: id,
				Symbol:     n.Symbol,
				Decimals:   n.Decimals,
				Composite:  n.Composite,
			}
			continue
		}
		if n.Symbol != "" {
			existing.Symbol = n.Symbol
		}
		existing.Composite = n.Composite
	}
}

// record stores res in the registry unless it was computed from a snapshot
// that has since been replaced.
func (s *State) record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.snapshot.Load(); cur != nil && res.SnapshotID != "" && cur.ID != res.SnapshotID {
		return
	}
	n, ok := s.tokens[res.ContractID]
	if !ok {
		n = &TokenNode{ContractID: res.ContractID, Symbol: res.Symbol}
		s.tokens[res.ContractID] = n
	}
	n.PriceUSD = res.PriceUSD
	n.Confidence = res.Confidence
	n.UpdatedAt = res.ComputedAt
}

// Token returns a copy of a registry entry.
func (s *State) Token(contractID string) (TokenNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.tokens[contractID]
	if !ok {
		return TokenNode{}, false
	}
	return *n, true
}

// Tokens returns copies of all registry entries sorted by contract id.
func (s *State) Tokens() []TokenNode {
	s.mu.RLock()
	out := make([]TokenNode, 0, len(s.tokens))
	for _, n := range s.tokens {
		out = append(out, *n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}

// StaleTokens lists registry entries older than maxAge.
func (s *State) StaleTokens(now time.Time, maxAge time.Duration) []string {
	var ids []string
	for _, n := range s.Tokens() {
		if n.Stale(now, maxAge) {
			ids = append(ids, n.ContractID)
		}
	}
	return ids
}
