// Package lpqueue prices composite tokens level by level from a seed table
// of base prices.
package lpqueue

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"token-pricer/internal/lpgraph"
	"token-pricer/internal/vault"
)

// Policy is the linear confidence decay applied to intrinsic prices.
type Policy struct {
	Base  float64
	Step  float64
	Floor float64
}

// DefaultPolicy is 0.8 at level 0, minus 0.1 per level, never below 0.3.
func DefaultPolicy() Policy {
	return Policy{Base: 0.8, Step: 0.1, Floor: 0.3}
}

// Confidence returns max(Floor, Base - level*Step).
func (p Policy) Confidence(level int) float64 {
	return math.Max(p.Floor, p.Base-float64(level)*p.Step)
}

// IntrinsicResult is the computed value of one composite token.
type IntrinsicResult struct {
	ContractID string
	PriceUSD   decimal.Decimal
	// Level is the resolved level: dependency graph level + 1.
	Level        int
	GraphLevel   int
	Confidence   float64
	Dependencies []string
	ComputedAt   time.Time
}

// Outcome is what one ProcessAll pass produced.
type Outcome struct {
	Results map[string]IntrinsicResult
	// Skipped maps contract id to the reason it was not priced.
	Skipped map[string]string
	// CompletedLevels lists the dependency graph levels fully processed.
	CompletedLevels []int
	TimedOut        bool
	Elapsed         time.Duration
}

// Options tune queue behaviour.
type Options struct {
	// Workers bounds parallelism within a level; 0 means GOMAXPROCS.
	Workers int
	Policy  Policy
	Now     func() time.Time
	// OnComputed runs from worker goroutines after each token is priced.
	OnComputed func(IntrinsicResult)
}

// Queue runs one processing pass over an immutable dependency graph.
type Queue struct {
	deps   *lpgraph.Graph
	opts   Options
	logger zerolog.Logger

	base map[string]decimal.Decimal
}

// New constructs a queue over deps.
func New(deps *lpgraph.Graph, opts Options, logger zerolog.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "lpqueue").Logger(),
		base:   map[string]decimal.Decimal{},
	}
}

// Initialize seeds the price table with base prices. The map is copied.
func (q *Queue) Initialize(base map[string]decimal.Decimal) {
	q.base = make(map[string]decimal.Decimal, len(base))
	for id, price := range base {
		if price.Sign() > 0 {
			q.base[id] = price
		}
	}
}

type computed struct {
	id     string
	result IntrinsicResult
	reason string
}

// ProcessAll walks levels in ascending order. Before each level the elapsed
// time is compared to budget (0 disables the budget) and ctx is checked; on
// expiry the levels completed so far are returned with TimedOut set.
func (q *Queue) ProcessAll(ctx context.Context, budget time.Duration) Outcome {
	start := q.opts.Now()
	out := Outcome{
		Results: make(map[string]IntrinsicResult),
		Skipped: make(map[string]string),
	}
	if q.deps == nil {
		return out
	}

	table := q.base
	for _, level := range q.deps.Levels() {
		elapsed := q.opts.Now().Sub(start)
		if budget > 0 && elapsed >= budget {
			out.TimedOut = true
			q.logger.Warn().Dur("elapsed", elapsed).Dur("budget", budget).Int("next_level", level).
				Msg("LP 处理超出预算，返回已完成层级")
			break
		}
		if err := ctx.Err(); err != nil {
			out.TimedOut = true
			q.logger.Warn().Err(err).Int("next_level", level).Msg("LP processing cancelled")
			break
		}

		ids := q.deps.TokensAtLevel(level)
		snapshot := table

		p := pool.NewWithResults[computed]().WithMaxGoroutines(q.opts.Workers)
		for _, id := range ids {
			id := id
			p.Go(func() computed {
				return q.compute(id, snapshot)
			})
		}
		results := p.Wait()

		// merge the level overlay into a fresh table for the next level
		next := make(map[string]decimal.Decimal, len(snapshot)+len(results))
		for id, price := range snapshot {
			next[id] = price
		}
		priced := 0
		for _, c := range results {
			if c.reason != "" {
				out.Skipped[c.id] = c.reason
				continue
			}
			out.Results[c.id] = c.result
			next[c.id] = c.result.PriceUSD
			priced++
		}
		table = next
		out.CompletedLevels = append(out.CompletedLevels, level)

		q.logger.Debug().Int("level", level).Int("tokens", len(ids)).Int("priced", priced).Msg("level processed")
	}

	out.Elapsed = q.opts.Now().Sub(start)
	return out
}

func (q *Queue) compute(id string, table map[string]decimal.Decimal) computed {
	dep, ok := q.deps.Dependency(id)
	if !ok {
		return computed{id: id, reason: "unknown dependency"}
	}

	a, b := dep.ConstituentA.ContractID, dep.ConstituentB.ContractID
	priceA, okA := table[a]
	priceB, okB := table[b]
	if !okA || !okB {
		missing := a
		if okA {
			missing = b
		}
		reason := fmt.Sprintf("missing price for %s", missing)
		q.logger.Debug().Str("contract_id", id).Str("reason", reason).Msg("skip LP token")
		return computed{id: id, reason: reason}
	}

	value, ok := IntrinsicValue(dep.Vault, priceA, priceB)
	if !ok {
		return computed{id: id, reason: "zero intrinsic value"}
	}

	level := dep.Level + 1
	res := IntrinsicResult{
		ContractID:   id,
		PriceUSD:     value,
		Level:        level,
		GraphLevel:   dep.Level,
		Confidence:   q.opts.Policy.Confidence(level),
		Dependencies: []string{a, b},
		ComputedAt:   q.opts.Now(),
	}
	if q.opts.OnComputed != nil {
		q.opts.OnComputed(res)
	}
	return computed{id: id, result: res}
}

// IntrinsicValue is (reserveA*priceA + reserveB*priceB) / totalSupply with
// every amount scaled by its decimals. ok is false when supply is zero or
// the result is not positive.
func IntrinsicValue(v vault.Vault, priceA, priceB decimal.Decimal) (decimal.Decimal, bool) {
	if v.TotalSupply == nil || v.TotalSupply.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	supply := vault.Normalize(v.TotalSupply, v.Decimals)
	tvl := vault.Normalize(v.ReservesA, v.TokenA.Decimals).Mul(priceA).
		Add(vault.Normalize(v.ReservesB, v.TokenB.Decimals).Mul(priceB))
	value := tvl.DivRound(supply, 36)
	if value.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return value, true
}
