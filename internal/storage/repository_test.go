package storage

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobToLike(t *testing.T) {
	cases := map[string]string{
		"price:*":    "price:%",
		"price:?x":   "price:_x",
		"a_b%c":      `a\_b\%c`,
		`back\slash`: `back\\slash`,
		"exact":      "exact",
	}
	for in, want := range cases {
		if got := globToLike(in); got != want {
			t.Fatalf("globToLike(%q) = %q, 期望 %q", in, got, want)
		}
	}
}

func TestBigRoundTrip(t *testing.T) {
	require.Nil(t, bigText(nil))

	n, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	text := bigText(n)
	require.NotNil(t, text)

	back, err := parseBig(sql.NullString{String: *text, Valid: true})
	require.NoError(t, err)
	require.Equal(t, 0, back.Cmp(n))

	none, err := parseBig(sql.NullString{})
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = parseBig(sql.NullString{String: "1.5", Valid: true})
	require.Error(t, err)
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.ListVaults(ctx)
	require.True(t, errors.Is(err, ErrNotConfigured))
	_, err = s.Get(ctx, "price:x")
	require.True(t, errors.Is(err, ErrNotConfigured))
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	require.True(t, errors.Is(err, ErrNotConfigured))
	_, err = s.InsertSignal(ctx, SignalRecord{})
	require.True(t, errors.Is(err, ErrNotConfigured))

	s.Close()
}
