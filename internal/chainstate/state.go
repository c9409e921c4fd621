package chainstate

import (
	"math/big"
	"strings"
	"time"

	"OpenWallet-Core/internal/chain"
	"OpenWallet-Core/internal/subscription"
)

// Subscription topic names.
const (
	TopicBalance   = "balance"
	TopicStaking   = "staking"
	TopicCrowdloan = "crowdloan"
	TopicPrice     = "price"
	TopicNFT       = "nft"
)

// Balance is the native balance of the active account on one chain.
type Balance struct {
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Symbol    string    `json:"symbol"`
	Decimals  int       `json:"decimals"`
	Free      string    `json:"free"`
	Formatted string    `json:"formatted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Price is the USD price of a chain's native token.
type Price struct {
	Chain     string    `json:"chain"`
	Symbol    string    `json:"symbol"`
	CoinID    string    `json:"coinId"`
	USD       float64   `json:"usd"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UnlockChunk is stake that becomes withdrawable at UnlockAt.
type UnlockChunk struct {
	Amount   string    `json:"amount"`
	UnlockAt time.Time `json:"unlockAt"`
}

// Staking is the staking position of the active account on one chain.
type Staking struct {
	Chain         string        `json:"chain"`
	Address       string        `json:"address"`
	Bonded        string        `json:"bonded,omitempty"`
	TotalReward   string        `json:"totalReward,omitempty"`
	PendingReward string        `json:"pendingReward,omitempty"`
	Unlocking     []UnlockChunk `json:"unlocking,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Crowdloan is one contribution of the active account.
type Crowdloan struct {
	Chain       string    `json:"chain"`
	Address     string    `json:"address"`
	ParaID      uint32    `json:"paraId"`
	Contributed string    `json:"contributed"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NFTItem is a single token of a collection.
type NFTItem struct {
	TokenID string `json:"tokenId"`
	Name    string `json:"name,omitempty"`
	Image   string `json:"image,omitempty"`
}

// NFTCollection groups the tokens the active account owns in one collection.
type NFTCollection struct {
	Chain      string    `json:"chain"`
	Address    string    `json:"address"`
	Collection string    `json:"collection"`
	Name       string    `json:"name,omitempty"`
	Items      []NFTItem `json:"items"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Hub owns every state feed.
type Hub struct {
	Balances   *Feed[Balance]
	Prices     *Feed[Price]
	Staking    *Feed[Staking]
	Crowdloans *Feed[Crowdloan]
	NFTs       *Feed[NFTCollection]
}

// NewHub creates empty feeds.
func NewHub() *Hub {
	return &Hub{
		Balances: NewFeed[Balance](TopicBalance, func(b Balance) string { return b.Chain }).
			OwnedBy(func(b Balance) string { return b.Address }),
		Prices: NewFeed[Price](TopicPrice, func(p Price) string { return p.Chain }),
		Staking: NewFeed[Staking](TopicStaking, func(s Staking) string { return s.Chain }).
			OwnedBy(func(s Staking) string { return s.Address }),
		Crowdloans: NewFeed[Crowdloan](TopicCrowdloan, func(c Crowdloan) string { return c.Chain }).
			OwnedBy(func(c Crowdloan) string { return c.Address }),
		NFTs: NewFeed[NFTCollection](TopicNFT, func(n NFTCollection) string { return n.Chain }).
			OwnedBy(func(n NFTCollection) string { return n.Address }),
	}
}

// ResetScoped clears the state that belongs to the active account.
func (h *Hub) ResetScoped() {
	h.Balances.Reset()
	h.Staking.Reset()
	h.Crowdloans.Reset()
	h.NFTs.Reset()
}

// Bind restricts the account scoped feeds to account.
func (h *Hub) Bind(account string) {
	h.Balances.Bind(account)
	h.Staking.Bind(account)
	h.Crowdloans.Bind(account)
	h.NFTs.Bind(account)
}

// Register exposes the feeds as subscription topics. Balance, staking and
// crowdloan updates are debounced per key.
func (h *Hub) Register(m *subscription.Manager) {
	m.Register(TopicBalance, h.Balances.Source(), subscription.TopicOptions{Debounced: true, AccountScoped: true})
	m.Register(TopicStaking, h.Staking.Source(), subscription.TopicOptions{Debounced: true, AccountScoped: true})
	m.Register(TopicCrowdloan, h.Crowdloans.Source(), subscription.TopicOptions{Debounced: true, AccountScoped: true})
	m.Register(TopicNFT, h.NFTs.Source(), subscription.TopicOptions{AccountScoped: true})
	m.Register(TopicPrice, h.Prices.Source(), subscription.TopicOptions{})
}

// ScopeTeardown drops the scoped subscriptions and then the scoped state.
type ScopeTeardown struct {
	Subs chain.ScopedSubscriptions
	Hub  *Hub
}

// UnsubscribeScoped implements chain.ScopedSubscriptions.
func (t ScopeTeardown) UnsubscribeScoped() int {
	n := t.Subs.UnsubscribeScoped()
	t.Hub.ResetScoped()
	return n
}

// BindScope implements chain.ScopeBinder.
func (t ScopeTeardown) BindScope(scope chain.Scope) {
	t.Hub.Bind(scope.Account)
}

func accountKey(chainKey, address string) string {
	return chainKey + "|" + strings.ToLower(address)
}

// FormatUnits renders an integer amount with the given decimals, trimming
// trailing zeros of the fraction.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		fs := frac.String()
		fs = strings.Repeat("0", decimals-len(fs)) + fs
		out += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}
