package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/rs/zerolog"
)

// FileProvider reads a vault listing from a JSON file on every call.
type FileProvider struct {
	Path string
	// Logger reports vaults with unknown types; nil discards.
	Logger *zerolog.Logger
}

// UnknownKind records a vault whose type label was not recognised and
// which is therefore carried as OTHER and never priced through.
type UnknownKind struct {
	ContractID string
	Type       string
}

// LogUnknownKinds warns once per vault carried as OTHER.
func LogUnknownKinds(logger zerolog.Logger, source string, unknown []UnknownKind) {
	for _, u := range unknown {
		logger.Warn().
			Str("source", source).
			Str("contract_id", u.ContractID).
			Str("type", u.Type).
			Msg("unknown vault type treated as OTHER")
	}
}

type fileVault struct {
	ContractID  string `json:"contract_id"`
	Symbol      string `json:"symbol"`
	Decimals    int32  `json:"decimals"`
	Type        string `json:"type"`
	TokenA      Token  `json:"token_a"`
	TokenB      Token  `json:"token_b"`
	ReservesA   string `json:"reserves_a"`
	ReservesB   string `json:"reserves_b"`
	TotalSupply string `json:"total_supply"`
}

// ListVaults implements Provider.
func (p *FileProvider) ListVaults(ctx context.Context) ([]Vault, error) {
	if p == nil || p.Path == "" {
		return nil, fmt.Errorf("vault file path not configured")
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	vaults, unknown, err := DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	if p.Logger != nil {
		LogUnknownKinds(*p.Logger, p.Path, unknown)
	}
	return vaults, nil
}

// DecodeJSON parses a JSON array of vault records. Amounts are decimal strings.
// Records with an unrecognised type are kept as OTHER and listed in unknown.
func DecodeJSON(data []byte) (vaults []Vault, unknown []UnknownKind, err error) {
	var raw []fileVault
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode vaults: %w", err)
	}

	out := make([]Vault, 0, len(raw))
	for _, r := range raw {
		kind, err := ParseKind(r.Type)
		if err != nil {
			unknown = append(unknown, UnknownKind{ContractID: r.ContractID, Type: r.Type})
		}
		resA, err := parseAmount(r.ReservesA)
		if err != nil {
			return nil, nil, fmt.Errorf("vault %s reserves_a: %w", r.ContractID, err)
		}
		resB, err := parseAmount(r.ReservesB)
		if err != nil {
			return nil, nil, fmt.Errorf("vault %s reserves_b: %w", r.ContractID, err)
		}
		supply, err := parseAmount(r.TotalSupply)
		if err != nil {
			return nil, nil, fmt.Errorf("vault %s total_supply: %w", r.ContractID, err)
		}
		out = append(out, Vault{
			ContractID:  r.ContractID,
			Symbol:      r.Symbol,
			Decimals:    r.Decimals,
			Kind:        kind,
			TokenA:      r.TokenA,
			TokenB:      r.TokenB,
			ReservesA:   resA,
			ReservesB:   resB,
			TotalSupply: supply,
		})
	}
	return out, unknown, nil
}

func parseAmount(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}

// StaticProvider serves a fixed listing.
type StaticProvider []Vault

// ListVaults implements Provider.
func (p StaticProvider) ListVaults(ctx context.Context) ([]Vault, error) {
	out := make([]Vault, len(p))
	copy(out, p)
	return out, nil
}

var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = StaticProvider(nil)
)
