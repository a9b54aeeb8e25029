package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-pricer/internal/cache"
	"token-pricer/internal/vault"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertVaultSQL = `INSERT INTO vaults (
        contract_id,
        symbol,
        decimals,
        kind,
        token_a_id,
        token_a_symbol,
        token_a_decimals,
        token_b_id,
        token_b_symbol,
        token_b_decimals,
        reserves_a,
        reserves_b,
        total_supply,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::numeric,$12::numeric,$13::numeric,now()
    )
    ON CONFLICT (contract_id) DO UPDATE
    SET
        symbol           = EXCLUDED.symbol,
        decimals         = EXCLUDED.decimals,
        kind             = EXCLUDED.kind,
        token_a_id       = EXCLUDED.token_a_id,
        token_a_symbol   = EXCLUDED.token_a_symbol,
        token_a_decimals = EXCLUDED.token_a_decimals,
        token_b_id       = EXCLUDED.token_b_id,
        token_b_symbol   = EXCLUDED.token_b_symbol,
        token_b_decimals = EXCLUDED.token_b_decimals,
        reserves_a       = EXCLUDED.reserves_a,
        reserves_b       = EXCLUDED.reserves_b,
        total_supply     = EXCLUDED.total_supply,
        updated_at       = now();`

	listVaultsSQL = `SELECT
        contract_id,
        symbol,
        decimals,
        kind,
        token_a_id,
        token_a_symbol,
        token_a_decimals,
        token_b_id,
        token_b_symbol,
        token_b_decimals,
        reserves_a::text,
        reserves_b::text,
        total_supply::text
    FROM vaults
    ORDER BY contract_id;`

	getCacheSQL = `SELECT value FROM price_cache WHERE key = $1 AND expires_at > now();`

	setCacheSQL = `INSERT INTO price_cache (key, value, expires_at)
    VALUES (
        $1,
        $2,
        CASE WHEN $3::bigint > 0
             THEN now() + $3::bigint * interval '1 millisecond'
             ELSE 'infinity'::timestamptz
        END
    )
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value,
        expires_at = EXCLUDED.expires_at;`

	deleteCacheSQL = `DELETE FROM price_cache WHERE key = $1;`

	listCacheKeysSQL = `SELECT key FROM price_cache
    WHERE key LIKE $1 ESCAPE '\'
      AND expires_at > now()
    ORDER BY key;`

	purgeExpiredCacheSQL = `DELETE FROM price_cache WHERE expires_at <= now();`

	insertSignalSQL = `INSERT INTO arbitrage_signals (
        id,
        contract_id,
        symbol,
        market_usd,
        intrinsic_usd,
        deviation_pct,
        threshold_pct,
        direction,
        channels,
        snapshot_id,
        detected_at
    ) VALUES (
        $1::text::uuid,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9,$10,$11
    )
    RETURNING created_at;`

	listRecentSignalsSQL = `SELECT
        id::text,
        contract_id,
        symbol,
        market_usd::text,
        intrinsic_usd::text,
        deviation_pct::text,
        threshold_pct::text,
        direction,
        channels,
        snapshot_id,
        detected_at,
        created_at
    FROM arbitrage_signals
    ORDER BY detected_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// VaultStore persists vault listings.
type VaultStore interface {
	vault.Provider
	UpsertVault(ctx context.Context, v vault.Vault) error
}

// SignalStore defines operations for arbitrage signal auditing.
type SignalStore interface {
	InsertSignal(ctx context.Context, rec SignalRecord) (SignalRecord, error)
	ListRecentSignals(ctx context.Context, limit int) ([]SignalRecord, error)
}

// CachePurger removes expired price cache rows.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to vaults, the price cache and signals.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var (
	_ VaultStore     = (*Store)(nil)
	_ SignalStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ CachePurger    = (*Store)(nil)
	_ cache.Store    = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 释放失败时连接归还后会话结束，锁随之释放
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertVault inserts or replaces a vault row.
func (s *Store) UpsertVault(ctx context.Context, v vault.Vault) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, upsertVaultSQL,
		v.ContractID,
		v.Symbol,
		v.Decimals,
		string(v.Kind),
		v.TokenA.ContractID,
		v.TokenA.Symbol,
		v.TokenA.Decimals,
		v.TokenB.ContractID,
		v.TokenB.Symbol,
		v.TokenB.Decimals,
		bigText(v.ReservesA),
		bigText(v.ReservesB),
		bigText(v.TotalSupply),
	)
	if err != nil {
		return fmt.Errorf("upsert vault %s: %w", v.ContractID, err)
	}
	return nil
}

// ListVaults returns every stored vault.
func (s *Store) ListVaults(ctx context.Context) ([]vault.Vault, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listVaultsSQL)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var (
		vaults  []vault.Vault
		unknown []vault.UnknownKind
	)
	for rows.Next() {
		v, rawKind, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		if rawKind != "" {
			unknown = append(unknown, vault.UnknownKind{ContractID: v.ContractID, Type: rawKind})
		}
		vaults = append(vaults, v)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	vault.LogUnknownKinds(s.logger, "database", unknown)
	return vaults, nil
}

// Get returns a live cache entry or cache.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := pool.QueryRow(ctx, getCacheSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}
	return value, nil
}

// Set stores value; ttl <= 0 keeps it until deleted.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, setCacheSQL, key, value, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteCacheSQL, key); err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}

// Keys lists live keys matching a glob pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listCacheKeysSQL, globToLike(pattern))
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return keys, nil
}

// PurgeExpired drops expired cache rows and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgeExpiredCacheSQL)
	if err != nil {
		return 0, fmt.Errorf("purge expired cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertSignal persists an arbitrage signal.
func (s *Store) InsertSignal(ctx context.Context, rec SignalRecord) (SignalRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return SignalRecord{}, err
	}

	channels := rec.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertSignalSQL,
		rec.ID,
		rec.ContractID,
		rec.Symbol,
		rec.MarketUSD.String(),
		rec.IntrinsicUSD.String(),
		rec.DeviationPct.String(),
		rec.ThresholdPct.String(),
		rec.Direction,
		channels,
		rec.SnapshotID,
		rec.DetectedAt,
	)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return SignalRecord{}, fmt.Errorf("insert signal: %w", err)
	}
	rec.Channels = channels
	return rec, nil
}

// ListRecentSignals lists the most recent signals.
func (s *Store) ListRecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentSignalsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent signals: %w", err)
	}
	defer rows.Close()

	signals := make([]SignalRecord, 0, limit)
	for rows.Next() {
		rec, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return signals, nil
}

// scanVault reads one vault row. rawKind is set when the stored type is not
// recognised and the vault was downgraded to OTHER.
func scanVault(rows pgx.Rows) (v vault.Vault, rawKind string, err error) {
	var (
		kind        string
		reservesA   sql.NullString
		reservesB   sql.NullString
		totalSupply sql.NullString
	)
	if err := rows.Scan(
		&v.ContractID,
		&v.Symbol,
		&v.Decimals,
		&kind,
		&v.TokenA.ContractID,
		&v.TokenA.Symbol,
		&v.TokenA.Decimals,
		&v.TokenB.ContractID,
		&v.TokenB.Symbol,
		&v.TokenB.Decimals,
		&reservesA,
		&reservesB,
		&totalSupply,
	); err != nil {
		return vault.Vault{}, "", err
	}

	// 未知类型按 OTHER 处理，不中断整批读取
	if v.Kind, err = vault.ParseKind(kind); err != nil {
		rawKind = kind
	}

	if v.ReservesA, err = parseBig(reservesA); err != nil {
		return vault.Vault{}, "", fmt.Errorf("parse reserves_a of %s: %w", v.ContractID, err)
	}
	if v.ReservesB, err = parseBig(reservesB); err != nil {
		return vault.Vault{}, "", fmt.Errorf("parse reserves_b of %s: %w", v.ContractID, err)
	}
	if v.TotalSupply, err = parseBig(totalSupply); err != nil {
		return vault.Vault{}, "", fmt.Errorf("parse total_supply of %s: %w", v.ContractID, err)
	}
	return v, rawKind, nil
}

func scanSignal(rows pgx.Rows) (SignalRecord, error) {
	var (
		rec          SignalRecord
		marketStr    string
		intrinsicStr string
		deviationStr string
		thresholdStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.ContractID,
		&rec.Symbol,
		&marketStr,
		&intrinsicStr,
		&deviationStr,
		&thresholdStr,
		&rec.Direction,
		&rec.Channels,
		&rec.SnapshotID,
		&rec.DetectedAt,
		&rec.CreatedAt,
	); err != nil {
		return SignalRecord{}, err
	}

	var err error
	if rec.MarketUSD, err = decimal.NewFromString(marketStr); err != nil {
		return SignalRecord{}, fmt.Errorf("parse market usd: %w", err)
	}
	if rec.IntrinsicUSD, err = decimal.NewFromString(intrinsicStr); err != nil {
		return SignalRecord{}, fmt.Errorf("parse intrinsic usd: %w", err)
	}
	if rec.DeviationPct, err = decimal.NewFromString(deviationStr); err != nil {
		return SignalRecord{}, fmt.Errorf("parse deviation pct: %w", err)
	}
	if rec.ThresholdPct, err = decimal.NewFromString(thresholdStr); err != nil {
		return SignalRecord{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	return rec, nil
}

func bigText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseBig(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s.String)
	}
	return v, nil
}

// globToLike converts a '*' / '?' glob into a LIKE pattern escaped with '\'.
func globToLike(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
