package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenWallet-Core/internal/errors"
)

func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var result interface{}
		switch req.Method {
		case "eth_chainId":
			result = "0x1"
		case "eth_blockNumber":
			result = "0x10"
		case "eth_getBalance":
			result = "0xde0b6b3a7640000"
		default:
			result = "0x0"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEVMClientProbeAndBalance(t *testing.T) {
	server := newRPCServer(t)
	ctx := context.Background()

	c, err := DefaultDialer(ctx, "ethereum", Definition{Type: "evm", RPCURL: server.URL})
	require.NoError(t, err)
	defer c.Close()

	snap, err := c.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x1", snap.ChainID)
	assert.Equal(t, uint64(16), snap.BlockNumber)

	balance, err := c.BalanceAt(ctx, "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", balance.String())

	_, err = c.BalanceAt(ctx, "not-an-address")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidation))
}

func TestEVMClientClosedIsStateError(t *testing.T) {
	server := newRPCServer(t)
	c, err := DialEVM(context.Background(), "ethereum", Definition{RPCURL: server.URL})
	require.NoError(t, err)

	c.Close()
	assert.NotPanics(t, c.Close)
	_, err = c.Probe(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeState))
}

func TestDefaultDialerRejectsUnknownType(t *testing.T) {
	_, err := DefaultDialer(context.Background(), "polkadot", Definition{Type: "substrate", RPCURL: "wss://rpc.polkadot.io"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = DefaultDialer(context.Background(), "empty", Definition{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestParseDefinitionsDefaults(t *testing.T) {
	defs, err := ParseDefinitions([]byte(`
chains:
  ethereum:
    rpc_url: https://eth.example
    ws_url: wss://eth.example/ws
    symbol: ETH
    coingecko_id: ethereum
  polygon:
    type: evm
    rpc_url: https://polygon.example
    decimals: 18
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ethereum", "polygon"}, defs.Keys())

	eth := defs.Chains["ethereum"]
	assert.Equal(t, "evm", eth.Type)
	assert.Equal(t, 18, eth.Decimals)
	assert.Equal(t, "wss://eth.example/ws", eth.Endpoint())
	assert.Equal(t, "https://polygon.example", defs.Chains["polygon"].Endpoint())
}
