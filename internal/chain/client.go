package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "OpenWallet-Core/internal/errors"
)

// Snapshot summarises a successful liveness probe.
type Snapshot struct {
	ChainID     string
	BlockNumber uint64
}

// Client is the handle held by an ApiConnection.
type Client interface {
	Probe(ctx context.Context) (Snapshot, error)
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	Close()
}

// EVMClient talks to an EVM compatible node over JSON-RPC.
type EVMClient struct {
	name     string
	endpoint string

	mu  sync.Mutex
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// DialEVM dials the definition's endpoint. For http endpoints no request is
// made until the first call, so callers probe afterwards.
func DialEVM(ctx context.Context, name string, def Definition) (*EVMClient, error) {
	endpoint := def.Endpoint()
	if endpoint == "" {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "chain %s has no rpc endpoint", name)
	}
	rpcClient, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("连接链 %s 失败", name))
	}
	return &EVMClient{
		name:     name,
		endpoint: endpoint,
		rpc:      rpcClient,
		eth:      ethclient.NewClient(rpcClient),
	}, nil
}

func (c *EVMClient) client() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, xerrors.Newf(xerrors.CodeState, "client for %s is closed", c.name)
	}
	return c.eth, nil
}

// Probe reads the chain id and latest block height.
func (c *EVMClient) Probe(ctx context.Context) (Snapshot, error) {
	eth, err := c.client()
	if err != nil {
		return Snapshot{}, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	block, err := eth.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return Snapshot{ChainID: toHexBig(chainID), BlockNumber: block}, nil
}

// BalanceAt returns the native balance of address at the latest block.
func (c *EVMClient) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, xerrors.Newf(xerrors.CodeValidation, "invalid address %s", address)
	}
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	balance, err := eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return balance, nil
}

// Close releases the connection. It is safe to call more than once.
func (c *EVMClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpc = nil
	}
}

// Dialer opens a client for one chain.
type Dialer func(ctx context.Context, key string, def Definition) (Client, error)

// DefaultDialer dials EVM chains and rejects other chain types.
func DefaultDialer(ctx context.Context, key string, def Definition) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(def.Type)) {
	case "", "evm":
		c, err := DialEVM(ctx, key, def)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "chain %s uses unsupported type %s", key, def.Type)
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

