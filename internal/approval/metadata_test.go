package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/port"
)

type boolResult struct {
	ok  bool
	err error
}

func injectAsync(s *State, p port.Port, def message.MetadataDef) <-chan boolResult {
	ch := make(chan boolResult, 1)
	go func() {
		ok, err := s.InjectMetadata(context.Background(), p, dappURL, def)
		ch <- boolResult{ok, err}
	}()
	return ch
}

func waitMetaRequests(t *testing.T, s *State, n int) []MetadataRequest {
	t.Helper()
	var list []MetadataRequest
	require.Eventually(t, func() bool {
		list, _ = s.MetadataRequests.Latest()
		return len(list) == n
	}, 2*time.Second, 5*time.Millisecond)
	return list
}

func TestMetadataApproveStoresDefinition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)
	def := message.MetadataDef{Chain: "Westend", GenesisHash: "0xABC", SpecVersion: 9, TokenSymbol: "WND", TokenDecimals: 12}

	res := injectAsync(f.state, p, def)
	list := waitMetaRequests(t, f.state, 1)
	assert.Equal(t, "0xabc", list[0].Definition.GenesisHash)

	require.NoError(t, f.state.ApproveMetadata(ctx, list[0].ID))
	got := receive(t, res)
	require.NoError(t, got.err)
	assert.True(t, got.ok)

	assert.Equal(t, []message.KnownMetadata{{GenesisHash: "0xabc", SpecVersion: 9}}, f.state.KnownMetadata())
	stored, ok, err := f.state.Metadata(ctx, "0xABC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "WND", stored.TokenSymbol)

	ok, err = f.state.InjectMetadata(ctx, p, dappURL, def)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.state.Pending())

	defs, err := f.state.MetadataList(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	reloaded, err := New(ctx, f.store, f.keys)
	require.NoError(t, err)
	assert.Len(t, reloaded.KnownMetadata(), 1)
}

func TestMetadataReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)

	res := injectAsync(f.state, p, message.MetadataDef{Chain: "Kusama", GenesisHash: "0x01", SpecVersion: 1})
	list := waitMetaRequests(t, f.state, 1)
	require.NoError(t, f.state.RejectMetadata(ctx, list[0].ID))
	assert.Equal(t, "Rejected", xerrors.Public(receive(t, res).err))
	assert.Empty(t, f.state.KnownMetadata())

	_, err := f.state.InjectMetadata(ctx, p, dappURL, message.MetadataDef{Chain: "x"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidation))
}
