package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenWallet-Core/internal/errors"
)

type record struct {
	Origin  string `json:"origin"`
	Allowed bool   `json:"allowed"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, s, Key("authUrls", "dapp.example"), record{Origin: "dapp.example", Allowed: true}))
	var got record
	ok, err = GetJSON(ctx, s, Key("authUrls", "dapp.example"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{Origin: "dapp.example", Allowed: true}, got)

	require.NoError(t, SetJSON(ctx, s, Key("authUrls", "dapp.example"), record{Origin: "dapp.example"}))
	ok, err = GetJSON(ctx, s, Key("authUrls", "dapp.example"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Allowed)

	require.NoError(t, s.Remove(ctx, Key("authUrls", "dapp.example")))
	require.NoError(t, s.Remove(ctx, Key("authUrls", "dapp.example")))
	_, ok, err = s.Get(ctx, Key("authUrls", "dapp.example"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLStore(context.Background(), SQLConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "kv.db")

	first, err := NewSQLStore(ctx, SQLConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "currentAccount", []byte(`"0xabc"`)))
	require.NoError(t, first.Close())

	second, err := NewSQLStore(ctx, SQLConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer second.Close()
	value, ok, err := second.Get(ctx, "currentAccount")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"0xabc"`, string(value))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "etcd"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Open(context.Background(), Config{Driver: "redis"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestGetJSONReportsCorruptValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "broken", []byte("{")))
	var out record
	_, err := GetJSON(ctx, s, "broken", &out)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}
