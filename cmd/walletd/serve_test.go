package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"OpenWallet-Core/internal/config"
)

func TestEnsureTokenGeneratesWhenMissing(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Server.Token = ""
	var out bytes.Buffer

	ensureToken(cfg, &out)
	assert.Len(t, cfg.Server.Token, 64)
	assert.Contains(t, out.String(), cfg.Server.Token)

	first := cfg.Server.Token
	out.Reset()
	ensureToken(cfg, &out)
	assert.Equal(t, first, cfg.Server.Token)
	assert.Empty(t, out.String())
}

func TestDefaultAddressIsLoopback(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	cfg := config.Default(t.TempDir())
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Address)
}
