package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/keyring"
	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/notify"
	"OpenWallet-Core/internal/port"
)

const dappURL = "https://dapp.example/app"

type fixture struct {
	state    *State
	store    kvstore.Store
	keys     *keyring.Keyring
	recorder *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	keys, err := keyring.Open(ctx, keyring.Config{Dir: t.TempDir(), Light: true}, store)
	require.NoError(t, err)
	rec := &notify.Recorder{}
	s, err := New(ctx, store, keys, WithNotifier(rec), WithIDGenerator(message.NewIDGeneratorWithSalt("test")))
	require.NoError(t, err)
	return &fixture{state: s, store: store, keys: keys, recorder: rec}
}

type authResult struct {
	allowed bool
	err     error
}

func authorizeAsync(ctx context.Context, s *State, p port.Port, url string) <-chan authResult {
	ch := make(chan authResult, 1)
	go func() {
		ok, err := s.AuthorizeURL(ctx, p, url, message.RequestAuthorizeTab{Origin: "Example dApp"})
		ch <- authResult{ok, err}
	}()
	return ch
}

func waitAuthRequests(t *testing.T, s *State, n int) []AuthorizeRequest {
	t.Helper()
	var list []AuthorizeRequest
	require.Eventually(t, func() bool {
		list, _ = s.AuthorizeRequests.Latest()
		return len(list) == n
	}, 2*time.Second, 5*time.Millisecond)
	return list
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	var zero T
	return zero
}

func allow(t *testing.T, s *State, url string, accounts ...string) {
	t.Helper()
	p := port.NewPipe("allow-"+url, port.Content, url)
	res := authorizeAsync(context.Background(), s, p, url)
	list := waitAuthRequests(t, s, 1)
	require.NoError(t, s.ApproveAuthorize(context.Background(), list[0].ID, accounts))
	require.True(t, receive(t, res).allowed)
}

func TestDuplicateAuthorizationFailsFast(t *testing.T) {
	f := newFixture(t)
	p1 := port.NewPipe("tab-1", port.Content, dappURL)
	p2 := port.NewPipe("tab-2", port.Content, "https://dapp.example/other")

	first := authorizeAsync(context.Background(), f.state, p1, dappURL)
	list := waitAuthRequests(t, f.state, 1)

	_, err := f.state.AuthorizeURL(context.Background(), p2, "https://dapp.example/other", message.RequestAuthorizeTab{})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization))

	after := waitAuthRequests(t, f.state, 1)
	assert.Equal(t, list[0].ID, after[0].ID)
	assert.Equal(t, 1, f.state.Pending())

	require.NoError(t, f.state.CancelAuthorize(context.Background(), list[0].ID))
	res := receive(t, first)
	assert.Equal(t, "Cancelled", xerrors.Public(res.err))
}

func TestApproveAuthorizeThenFastPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)

	res := authorizeAsync(ctx, f.state, p, dappURL)
	list := waitAuthRequests(t, f.state, 1)
	assert.Equal(t, "dapp.example", list[0].OriginKey)
	assert.Equal(t, "Example dApp", list[0].Origin)

	require.NoError(t, f.state.ApproveAuthorize(ctx, list[0].ID, nil))
	got := receive(t, res)
	require.NoError(t, got.err)
	assert.True(t, got.allowed)

	rec, ok := f.state.Authorization(dappURL)
	require.True(t, ok)
	assert.True(t, rec.IsAllowed)
	assert.NoError(t, f.state.EnsureAuthorized(ctx, "https://dapp.example/accounts"))

	allowed, err := f.state.AuthorizeURL(ctx, p, dappURL, message.RequestAuthorizeTab{})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, f.state.Pending())

	reloaded, err := New(ctx, f.store, f.keys)
	require.NoError(t, err)
	assert.True(t, reloaded.IsAuthorized(ctx, dappURL))
}

func TestResolveEmitsOneTerminalEventAndSecondResolveIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)

	res := authorizeAsync(ctx, f.state, p, dappURL)
	list := waitAuthRequests(t, f.state, 1)

	var mu sync.Mutex
	var events [][]AuthorizeRequest
	tok := f.state.AuthorizeRequests.Subscribe(func(v []AuthorizeRequest) {
		mu.Lock()
		events = append(events, v)
		mu.Unlock()
	}, false)
	defer tok.Unsubscribe()

	require.NoError(t, f.state.ApproveAuthorize(ctx, list[0].ID, nil))
	receive(t, res)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Empty(t, events[0])
	mu.Unlock()

	err := f.state.ApproveAuthorize(ctx, list[0].ID, nil)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	err = f.state.RejectAuthorize(ctx, list[0].ID)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestRejectIsRememberedCancelIsNot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)

	res := authorizeAsync(ctx, f.state, p, dappURL)
	list := waitAuthRequests(t, f.state, 1)
	require.NoError(t, f.state.CancelAuthorize(ctx, list[0].ID))
	assert.Equal(t, "Cancelled", xerrors.Public(receive(t, res).err))
	_, ok := f.state.Authorization(dappURL)
	assert.False(t, ok)

	res = authorizeAsync(ctx, f.state, p, dappURL)
	list = waitAuthRequests(t, f.state, 1)
	require.NoError(t, f.state.RejectAuthorize(ctx, list[0].ID))
	assert.Equal(t, "Rejected", xerrors.Public(receive(t, res).err))

	_, err := f.state.AuthorizeURL(ctx, p, dappURL, message.RequestAuthorizeTab{})
	require.Error(t, err)
	assert.Equal(t, "The source https://dapp.example/app is not allowed to interact with this extension", xerrors.Public(err))
	assert.Equal(t, 0, f.state.Pending())
}

func TestApprovalWindowOpensAndCloses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)

	res := authorizeAsync(ctx, f.state, p, dappURL)
	list := waitAuthRequests(t, f.state, 1)
	require.Eventually(t, func() bool { return len(f.recorder.Events()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.state.ApproveAuthorize(ctx, list[0].ID, nil))
	receive(t, res)
	assert.Equal(t, []notify.Action{notify.ActionOpen, notify.ActionClose}, f.recorder.Actions())
	assert.Equal(t, string(KindAuthorize), f.recorder.Events()[0].Reason)
}

func TestDisconnectAbandonsWithoutResolving(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)

	res := authorizeAsync(ctx, f.state, p, dappURL)
	list := waitAuthRequests(t, f.state, 1)
	require.Eventually(t, func() bool { return len(f.recorder.Events()) == 1 }, time.Second, 5*time.Millisecond)

	p.Disconnect()
	got := receive(t, res)
	require.Error(t, got.err)
	assert.True(t, xerrors.HasCode(got.err, xerrors.CodeState))
	assert.False(t, xerrors.HasCode(got.err, xerrors.CodeRejected))
	assert.Equal(t, 0, f.state.Pending())
	waitAuthRequests(t, f.state, 0)

	_, ok := f.state.Authorization(dappURL)
	assert.False(t, ok)
	err := f.state.ApproveAuthorize(ctx, list[0].ID, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.Equal(t, []notify.Action{notify.ActionOpen, notify.ActionClose}, f.recorder.Actions())
}

func TestContextCancellationRemovesRequest(t *testing.T) {
	f := newFixture(t)
	p := port.NewPipe("tab", port.Content, dappURL)
	ctx, cancel := context.WithCancel(context.Background())

	res := authorizeAsync(ctx, f.state, p, dappURL)
	waitAuthRequests(t, f.state, 1)
	cancel()

	got := receive(t, res)
	assert.True(t, xerrors.HasCode(got.err, xerrors.CodeState))
	waitAuthRequests(t, f.state, 0)
}

func TestToggleAndForget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allow(t, f.state, dappURL)

	rec, err := f.state.ToggleAuthorization(ctx, "dapp.example")
	require.NoError(t, err)
	assert.False(t, rec.IsAllowed)
	assert.True(t, xerrors.HasCode(f.state.EnsureAuthorized(ctx, dappURL), xerrors.CodeAuthorization))

	list := f.state.AuthorizationList()
	require.Len(t, list, 1)
	assert.Equal(t, "dapp.example", list[0].OriginKey)

	existed, err := f.state.ForgetAuthorization(ctx, "dapp.example")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "The source https://dapp.example/app has not been enabled yet", xerrors.Public(f.state.EnsureAuthorized(ctx, dappURL)))

	_, err = f.state.ToggleAuthorization(ctx, "unknown.example")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}
