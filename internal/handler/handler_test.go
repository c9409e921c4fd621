package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenWallet-Core/internal/approval"
	"OpenWallet-Core/internal/chainstate"
	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/keyring"
	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/notify"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/internal/router"
	"OpenWallet-Core/internal/subscription"
)

type fakeChains struct {
	mu       sync.Mutex
	selected []string
	enabled  []string
}

func (f *fakeChains) SetActiveAccount(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, address)
	return nil
}

func (f *fakeChains) EnableChains(_ context.Context, keys []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, keys...)
	return f.enabled, nil
}

func (f *fakeChains) DisableChains(_ context.Context, keys []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := map[string]bool{}
	for _, k := range keys {
		drop[k] = true
	}
	var next []string
	for _, k := range f.enabled {
		if !drop[k] {
			next = append(next, k)
		}
	}
	f.enabled = next
	return next, nil
}

type fixture struct {
	router   *router.Router
	state    *approval.State
	keys     *keyring.Keyring
	subs     *subscription.Manager
	chains   *fakeChains
	account  keyring.Account
	ui       *port.Pipe
	recorder *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	keys, err := keyring.Open(ctx, keyring.Config{Dir: t.TempDir(), Light: true}, store)
	require.NoError(t, err)
	acc, err := keys.Create(ctx, "main", "correct horse")
	require.NoError(t, err)

	rec := &notify.Recorder{}
	state, err := approval.New(ctx, store, keys, approval.WithNotifier(rec), approval.WithIDGenerator(message.NewIDGeneratorWithSalt("test")))
	require.NoError(t, err)

	subs := subscription.NewManager(subscription.Config{})
	chainstate.NewHub().Register(subs)
	chains := &fakeChains{}
	h, err := New(Deps{
		Approval:      state,
		Keyring:       keys,
		Subscriptions: subs,
		Orchestrator:  chains,
		Phishing:      NewPhishing([]string{"evil-wallet.example"}),
	})
	require.NoError(t, err)
	r, err := router.New(h.Table(), state)
	require.NoError(t, err)

	return &fixture{
		router:   r,
		state:    state,
		keys:     keys,
		subs:     subs,
		chains:   chains,
		account:  acc,
		ui:       port.NewPipe("ui", port.Extension, ""),
		recorder: rec,
	}
}

func (f *fixture) send(p port.Port, id string, kind message.Kind, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	f.router.Dispatch(context.Background(), message.Envelope{ID: id, Kind: kind, Payload: raw}, p)
}

// reply waits for the response or failure frame carrying id.
func reply(t *testing.T, p *port.Pipe, id string) any {
	t.Helper()
	return waitFrame(t, p, func(frame any) bool {
		switch v := frame.(type) {
		case message.Response:
			return v.ID == id
		case message.Failure:
			return v.ID == id
		}
		return false
	})
}

func waitFrame(t *testing.T, p *port.Pipe, match func(any) bool) any {
	t.Helper()
	var found any
	require.Eventually(t, func() bool {
		for _, frame := range p.Frames() {
			if match(frame) {
				found = frame
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return found
}

func response(t *testing.T, p *port.Pipe, id string) any {
	t.Helper()
	frame := waitFrame(t, p, func(frame any) bool {
		v, ok := frame.(message.Response)
		return ok && v.ID == id
	})
	return frame.(message.Response).Response
}

func failure(t *testing.T, p *port.Pipe, id string) string {
	t.Helper()
	frame := waitFrame(t, p, func(frame any) bool {
		v, ok := frame.(message.Failure)
		return ok && v.ID == id
	})
	return frame.(message.Failure).Error
}

func (f *fixture) authorize(t *testing.T, tab *port.Pipe) {
	t.Helper()
	f.send(tab, "auth", message.KindPubAuthorizeTab, message.RequestAuthorizeTab{Origin: "Example dApp"})
	var pending []approval.AuthorizeRequest
	require.Eventually(t, func() bool {
		pending, _ = f.state.AuthorizeRequests.Latest()
		return len(pending) == 1
	}, 5*time.Second, 5*time.Millisecond)

	f.send(f.ui, "approve", message.KindAuthorizeApprove, message.RequestAuthorizeApprove{ID: pending[0].ID})
	assert.Equal(t, true, response(t, f.ui, "approve"))
	assert.Equal(t, true, response(t, tab, "auth"))
}

func TestTableCoversEveryKind(t *testing.T) {
	f := newFixture(t)
	assert.NotNil(t, f.router)
}

func TestAuthorizeThenAccountsListWithoutNewRequest(t *testing.T) {
	f := newFixture(t)
	tab := port.NewPipe("tab-1", port.Content, "https://dapp.example/page")
	f.authorize(t, tab)

	rec, ok := f.state.Authorization("https://dapp.example")
	require.True(t, ok)
	assert.True(t, rec.IsAllowed)
	assert.Equal(t, "dapp.example", rec.OriginKey)

	f.send(tab, "list", message.KindPubAccountsList, nil)
	list, ok := response(t, tab, "list").([]keyring.Account)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, f.account.Address, list[0].Address)

	pending, _ := f.state.AuthorizeRequests.Latest()
	assert.Empty(t, pending)
	assert.Equal(t, 0, f.state.Pending())
}

func TestPublicCallIDRoundTrip(t *testing.T) {
	f := newFixture(t)
	allowed := port.NewPipe("tab-1", port.Content, "https://dapp.example")
	f.authorize(t, allowed)

	f.send(allowed, "42", message.KindPubAccountsList, nil)
	_, isResponse := reply(t, allowed, "42").(message.Response)
	assert.True(t, isResponse)

	stranger := port.NewPipe("tab-2", port.Content, "https://stranger.example")
	f.send(stranger, "42", message.KindPubAccountsList, nil)
	msg := failure(t, stranger, "42")
	assert.Equal(t, "The source https://stranger.example has not been enabled yet", msg)
	assert.Equal(t, 0, f.state.Pending())
}

func TestPrivilegedKindFromPageIsDenied(t *testing.T) {
	f := newFixture(t)
	tab := port.NewPipe("tab-1", port.Content, "https://dapp.example")
	f.send(tab, "1", message.KindAccountsCreate, message.RequestAccountCreate{Password: "x"})
	assert.Contains(t, failure(t, tab, "1"), "privileged")
	assert.Len(t, f.keys.Accounts(), 1)
}

func TestSubscribeUsesRequestID(t *testing.T) {
	f := newFixture(t)
	f.send(f.ui, "s1", message.KindAccountsSubscribe, nil)
	assert.Equal(t, true, response(t, f.ui, "s1"))

	var push message.Push
	for _, frame := range f.ui.Frames() {
		if p, ok := frame.(message.Push); ok {
			push = p
		}
	}
	assert.Equal(t, "s1", push.ID)
	assert.Len(t, push.Subscription, 1)

	f.send(f.ui, "u1", message.KindUnsubscribe, message.RequestID{ID: "s1"})
	assert.Equal(t, true, response(t, f.ui, "u1"))
	f.send(f.ui, "u2", message.KindUnsubscribe, message.RequestID{ID: "s1"})
	assert.Equal(t, false, response(t, f.ui, "u2"))
	assert.Equal(t, 0, f.subs.Count())
}

func TestPriceSubscriptionIsRegistered(t *testing.T) {
	f := newFixture(t)
	f.send(f.ui, "p1", message.KindPriceSubscribe, message.RequestSubscribe{Params: json.RawMessage(`{"chains":["ethereum"]}`)})
	assert.Equal(t, true, response(t, f.ui, "p1"))
	assert.Equal(t, 1, f.subs.Count())

	f.send(f.ui, "p1", message.KindPriceSubscribe, nil)
	assert.Contains(t, failure(t, f.ui, "p1"), "already exists")
}

func TestAccountCreateIsPublished(t *testing.T) {
	f := newFixture(t)
	f.send(f.ui, "s1", message.KindAccountsSubscribe, nil)
	response(t, f.ui, "s1")

	f.send(f.ui, "c1", message.KindAccountsCreate, message.RequestAccountCreate{Name: "second", Password: "pw"})
	acc, ok := response(t, f.ui, "c1").(keyring.Account)
	require.True(t, ok)
	assert.Equal(t, "second", acc.Name)
	require.Eventually(t, func() bool {
		var last message.Push
		for _, frame := range f.ui.Frames() {
			if p, ok := frame.(message.Push); ok {
				last = p
			}
		}
		list, _ := last.Subscription.([]keyring.Account)
		return len(list) == 2
	}, time.Second, 5*time.Millisecond)

	f.send(f.ui, "c2", message.KindAccountsCreate, message.RequestAccountCreate{Name: "empty"})
	assert.Equal(t, "password is required", failure(t, f.ui, "c2"))
}

func TestAccountSelect(t *testing.T) {
	f := newFixture(t)
	f.send(f.ui, "1", message.KindAccountsSelect, message.RequestAccountSelect{Address: f.account.Address})
	assert.Equal(t, true, response(t, f.ui, "1"))

	f.send(f.ui, "2", message.KindAccountsSelect, message.RequestAccountSelect{Address: "0x0000000000000000000000000000000000000001"})
	assert.Contains(t, failure(t, f.ui, "2"), "Unable to find account")

	f.chains.mu.Lock()
	assert.Equal(t, []string{f.account.Address}, f.chains.selected)
	f.chains.mu.Unlock()
}

func TestChainsEnableDisable(t *testing.T) {
	f := newFixture(t)
	f.send(f.ui, "1", message.KindChainsEnable, message.RequestChains{Chains: []string{"ethereum", "polygon"}})
	assert.Equal(t, []string{"ethereum", "polygon"}, response(t, f.ui, "1"))
	f.send(f.ui, "2", message.KindChainsDisable, message.RequestChains{Chains: []string{"ethereum"}})
	assert.Equal(t, []string{"polygon"}, response(t, f.ui, "2"))
}

func TestSeedAndDerivationValidation(t *testing.T) {
	f := newFixture(t)
	seed := "Abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	f.send(f.ui, "1", message.KindSeedValidate, message.RequestSeed{Seed: seed})
	got, ok := response(t, f.ui, "1").(message.ResponseSeed)
	require.True(t, ok)
	assert.Equal(t, 12, got.WordCount)

	f.send(f.ui, "2", message.KindSeedValidate, message.RequestSeed{Seed: "too short"})
	assert.Contains(t, failure(t, f.ui, "2"), "mnemonic must have")

	f.send(f.ui, "3", message.KindDerivationValidate, message.RequestDerivation{Path: "m/44'/60'/0'/0/1"})
	assert.Equal(t, message.ResponseDerivation{Path: "m/44'/60'/0'/0/1"}, response(t, f.ui, "3"))

	f.send(f.ui, "4", message.KindDerivationValidate, message.RequestDerivation{Path: "not/a/path"})
	assert.Contains(t, failure(t, f.ui, "4"), "invalid derivation path")
}

func TestPhishingCheckIsOpenToEveryPage(t *testing.T) {
	f := newFixture(t)
	tab := port.NewPipe("tab-1", port.Content, "https://login.evil-wallet.example/claim")
	f.send(tab, "1", message.KindPubPhishingCheck, nil)
	assert.Equal(t, true, response(t, tab, "1"))

	other := port.NewPipe("tab-2", port.Content, "https://dapp.example")
	f.send(other, "2", message.KindPubPhishingCheck, message.RequestOrigin{Origin: "https://dapp.example"})
	assert.Equal(t, false, response(t, other, "2"))
}

func TestRejectAndCancelMessagesReachThePage(t *testing.T) {
	f := newFixture(t)
	tab := port.NewPipe("tab-1", port.Content, "https://dapp.example")
	f.send(tab, "a1", message.KindPubAuthorizeTab, nil)
	var pending []approval.AuthorizeRequest
	require.Eventually(t, func() bool {
		pending, _ = f.state.AuthorizeRequests.Latest()
		return len(pending) == 1
	}, 5*time.Second, 5*time.Millisecond)

	f.send(f.ui, "r1", message.KindAuthorizeCancel, message.RequestID{ID: pending[0].ID})
	assert.Equal(t, true, response(t, f.ui, "r1"))
	assert.Equal(t, "Cancelled", failure(t, tab, "a1"))

	f.send(f.ui, "r2", message.KindAuthorizeCancel, message.RequestID{ID: pending[0].ID})
	assert.True(t, len(failure(t, f.ui, "r2")) > 0)

	f.send(f.ui, "r3", message.KindAuthorizeReject, nil)
	assert.Contains(t, failure(t, f.ui, "r3"), "requires an id")
}

func TestUnknownKindNamesTheKind(t *testing.T) {
	f := newFixture(t)
	f.send(f.ui, "x", message.Kind("pri(wallet.explode)"), nil)
	assert.Equal(t, "Unknown message kind pri(wallet.explode)", failure(t, f.ui, "x"))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestPhishingParentDomains(t *testing.T) {
	p := NewPhishing([]string{"https://bad.example", "scam.test"})
	assert.True(t, p.Denied("https://bad.example/x"))
	assert.True(t, p.Denied("https://a.b.bad.example"))
	assert.True(t, p.Denied("scam.test"))
	assert.False(t, p.Denied("https://notbad.example"))
	assert.False(t, p.Denied(""))
}
