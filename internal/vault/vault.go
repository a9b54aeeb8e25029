package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownKind is returned by ParseKind for unrecognised vault types.
var ErrUnknownKind = errors.New("vault: unknown kind")

// Kind tags the variant of a vault record.
type Kind string

const (
	// KindPool is a two-sided liquidity pool that mints its own LP token.
	KindPool Kind = "POOL"
	// KindSublink bridges one token to its mirror on another network at 1:1.
	KindSublink Kind = "SUBLINK"
	// KindOther covers vault types the engine does not price through.
	KindOther Kind = "OTHER"
)

// ParseKind maps a raw type label onto a Kind. Unknown labels yield KindOther and ErrUnknownKind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(KindPool):
		return KindPool, nil
	case string(KindSublink):
		return KindSublink, nil
	case string(KindOther), "":
		return KindOther, nil
	default:
		return KindOther, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Token identifies one side of a vault.
type Token struct {
	ContractID string `json:"contract_id"`
	Symbol     string `json:"symbol"`
	Decimals   int32  `json:"decimals"`
}

// Vault is one record from the vault/pool provider.
type Vault struct {
	ContractID  string   `json:"contract_id"`
	Symbol      string   `json:"symbol"`
	Decimals    int32    `json:"decimals"`
	Kind        Kind     `json:"type"`
	TokenA      Token    `json:"token_a"`
	TokenB      Token    `json:"token_b"`
	ReservesA   *big.Int `json:"reserves_a"`
	ReservesB   *big.Int `json:"reserves_b"`
	TotalSupply *big.Int `json:"total_supply"`
}

// Provider lists the currently known vaults.
type Provider interface {
	ListVaults(ctx context.Context) ([]Vault, error)
}

// Constituents returns the two held tokens for kinds that have them.
func (v Vault) Constituents() (Token, Token, bool) {
	switch v.Kind {
	case KindPool, KindSublink:
		return v.TokenA, v.TokenB, true
	case KindOther:
		return Token{}, Token{}, false
	default:
		return Token{}, Token{}, false
	}
}

// IsLP reports whether the vault mints a composite token.
func (v Vault) IsLP() bool {
	return v.Kind == KindPool && v.ContractID != ""
}

// Normalize scales a raw integer amount down by 10^decimals.
func Normalize(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// Index is a lookup table over a vault listing.
type Index struct {
	byContract map[string]Vault
	tokens     map[string]Token
}

// NewIndex indexes vaults by contract id and collects token metadata.
// The LP token of every POOL vault is registered as a token as well.
func NewIndex(vaults []Vault) *Index {
	idx := &Index{
		byContract: make(map[string]Vault, len(vaults)),
		tokens:     make(map[string]Token, len(vaults)*2),
	}
	for _, v := range vaults {
		if v.ContractID != "" {
			idx.byContract[v.ContractID] = v
		}
		a, b, ok := v.Constituents()
		if !ok {
			continue
		}
		idx.addToken(a)
		idx.addToken(b)
		if v.IsLP() {
			idx.addToken(Token{ContractID: v.ContractID, Symbol: v.Symbol, Decimals: v.Decimals})
		}
	}
	return idx
}

func (i *Index) addToken(t Token) {
	if t.ContractID == "" {
		return
	}
	existing, ok := i.tokens[t.ContractID]
	if ok && existing.Symbol != "" {
		return
	}
	i.tokens[t.ContractID] = t
}

// Vault returns a vault by contract id.
func (i *Index) Vault(contractID string) (Vault, bool) {
	v, ok := i.byContract[contractID]
	return v, ok
}

// Token returns token metadata by contract id.
func (i *Index) Token(contractID string) (Token, bool) {
	t, ok := i.tokens[contractID]
	return t, ok
}

// Tokens returns all known tokens.
func (i *Index) Tokens() []Token {
	out := make([]Token, 0, len(i.tokens))
	for _, t := range i.tokens {
		out = append(out, t)
	}
	return out
}

// IsComposite reports whether contractID is the LP token of a known POOL vault.
func (i *Index) IsComposite(contractID string) bool {
	v, ok := i.byContract[contractID]
	return ok && v.IsLP()
}
