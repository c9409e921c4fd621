package approval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/keyring"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/port"
)

type signResult struct {
	resp message.ResponseSigning
	err  error
}

func signAsync(s *State, p port.Port, url string, payload message.SignerPayloadRaw) <-chan signResult {
	ch := make(chan signResult, 1)
	go func() {
		resp, err := s.Sign(context.Background(), p, url, payload)
		ch <- signResult{resp, err}
	}()
	return ch
}

func waitSignRequests(t *testing.T, s *State, n int) []SigningRequest {
	t.Helper()
	var list []SigningRequest
	require.Eventually(t, func() bool {
		list, _ = s.SigningRequests.Latest()
		return len(list) == n
	}, 2*time.Second, 5*time.Millisecond)
	return list
}

func TestWrongPasswordKeepsSigningRequestPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.keys.Create(ctx, "main", "correct")
	require.NoError(t, err)
	allow(t, f.state, dappURL)

	p := port.NewPipe("tab", port.Content, dappURL)
	res := signAsync(f.state, p, dappURL, message.SignerPayloadRaw{Address: acc.Address, Data: "0x68656c6c6f", Type: "bytes"})
	list := waitSignRequests(t, f.state, 1)
	id := list[0].ID

	err = f.state.ApproveSign(ctx, id, "wrong")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidation))
	assert.Equal(t, 1, f.state.Pending())
	waitSignRequests(t, f.state, 1)

	require.NoError(t, f.state.ApproveSign(ctx, id, "correct"))
	got := receive(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, id, got.resp.ID)

	sig, err := hexutil.Decode(got.resp.Signature)
	require.NoError(t, err)
	assert.True(t, keyring.Verify(acc.Address, []byte("hello"), sig))

	_, err = f.keys.Sign(acc.Address, []byte("hello"))
	assert.Error(t, err, "signing approval must not leave the account unlocked")
	assert.True(t, xerrors.HasCode(f.state.ApproveSign(ctx, id, "correct"), xerrors.CodeNotFound))
}

func TestCancelSign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.keys.Create(ctx, "", "pw")
	require.NoError(t, err)
	allow(t, f.state, dappURL)

	p := port.NewPipe("tab", port.Content, dappURL)
	res := signAsync(f.state, p, dappURL, message.SignerPayloadRaw{Address: acc.Address, Data: "plain text"})
	list := waitSignRequests(t, f.state, 1)

	require.NoError(t, f.state.CancelSign(ctx, list[0].ID))
	assert.Equal(t, "Cancelled", xerrors.Public(receive(t, res).err))
	assert.Equal(t, 0, f.state.Pending())
}

func TestSignRespectsAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.keys.Create(ctx, "", "pw")
	require.NoError(t, err)
	p := port.NewPipe("tab", port.Content, dappURL)
	payload := message.SignerPayloadRaw{Address: acc.Address, Data: "0x00"}

	_, err = f.state.Sign(ctx, p, dappURL, payload)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization))

	allow(t, f.state, dappURL, "0x000000000000000000000000000000000000dEaD")
	_, err = f.state.Sign(ctx, p, dappURL, payload)
	require.Error(t, err)
	assert.Contains(t, xerrors.Public(err), "not allowed to use account")

	_, err = f.state.Sign(ctx, p, dappURL, message.SignerPayloadRaw{Address: acc.Address, Data: "0xzz"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidation))
	assert.Equal(t, 0, f.state.Pending())
}

func TestConcurrentApprovalsOnOneAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.keys.Create(ctx, "main", "pw")
	require.NoError(t, err)
	allow(t, f.state, dappURL)

	const n = 4
	results := make([]<-chan signResult, n)
	for i := range results {
		p := port.NewPipe(fmt.Sprintf("tab-%d", i), port.Content, dappURL)
		results[i] = signAsync(f.state, p, dappURL, message.SignerPayloadRaw{Address: acc.Address, Data: "0x68656c6c6f"})
	}
	list := waitSignRequests(t, f.state, n)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, req := range list {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			password := "pw"
			if i == 0 {
				password = "wrong"
			}
			errs[i] = f.state.ApproveSign(ctx, id, password)
		}(i, req.ID)
	}
	wg.Wait()

	assert.True(t, xerrors.HasCode(errs[0], xerrors.CodeValidation))
	for _, err := range errs[1:] {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.state.Pending())

	require.NoError(t, f.state.ApproveSign(ctx, list[0].ID, "pw"))
	for _, ch := range results {
		got := receive(t, ch)
		require.NoError(t, got.err)
		sig, err := hexutil.Decode(got.resp.Signature)
		require.NoError(t, err)
		assert.True(t, keyring.Verify(acc.Address, []byte("hello"), sig))
	}
}

func TestApproveSignLeavesUnlockedAccountUnlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.keys.Create(ctx, "main", "pw")
	require.NoError(t, err)
	allow(t, f.state, dappURL)
	require.NoError(t, f.keys.Unlock(acc.Address, "pw"))

	p := port.NewPipe("tab", port.Content, dappURL)
	res := signAsync(f.state, p, dappURL, message.SignerPayloadRaw{Address: acc.Address, Data: "0x00"})
	list := waitSignRequests(t, f.state, 1)
	require.NoError(t, f.state.ApproveSign(ctx, list[0].ID, "pw"))
	require.NoError(t, receive(t, res).err)

	_, err = f.keys.Sign(acc.Address, []byte("still unlocked"))
	assert.NoError(t, err)
}
