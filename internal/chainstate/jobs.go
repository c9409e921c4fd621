package chainstate

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"OpenWallet-Core/internal/chain"
	"OpenWallet-Core/pkg/logger"
)

// Job names registered with the orchestrator.
const (
	JobRefreshPrice             = "refreshPrice"
	JobRefreshNFT               = "refreshNft"
	JobRefreshStakingReward     = "refreshStakingReward"
	JobRefreshStakingRewardFast = "refreshStakingRewardFast"
	JobRefreshCrowdloan         = "refreshCrowdloan"
	JobRefreshStakeUnlocking    = "refreshStakeUnlocking"
)

// Query identifies the account and chain a provider reads.
type Query struct {
	Chain      string
	Definition chain.Definition
	Client     chain.Client
	Account    string
}

// StakingProvider reads staking positions. With fast set only the pending
// reward needs to be filled.
type StakingProvider interface {
	Staking(ctx context.Context, q Query, fast bool) (Staking, error)
}

// UnlockingProvider reads stake that is being unbonded.
type UnlockingProvider interface {
	Unlocking(ctx context.Context, q Query) ([]UnlockChunk, error)
}

// CrowdloanProvider reads crowdloan contributions.
type CrowdloanProvider interface {
	Contributions(ctx context.Context, q Query) ([]Crowdloan, error)
}

// NFTProvider reads owned NFT collections.
type NFTProvider interface {
	Collections(ctx context.Context, q Query) ([]NFTCollection, error)
}

// Providers bundles the optional data sources. A nil provider turns its job
// into a no-op.
type Providers struct {
	Prices     PriceProvider
	Staking    StakingProvider
	Unlocking  UnlockingProvider
	Crowdloans CrowdloanProvider
	NFTs       NFTProvider
}

// Intervals holds the period of each job.
type Intervals struct {
	Price          time.Duration
	NFT            time.Duration
	StakingSlow    time.Duration
	StakingFast    time.Duration
	Crowdloan      time.Duration
	StakeUnlocking time.Duration
}

func (iv Intervals) withDefaults() Intervals {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&iv.Price, 60*time.Second)
	def(&iv.NFT, 10*time.Minute)
	def(&iv.StakingSlow, 15*time.Minute)
	def(&iv.StakingFast, 3*time.Minute)
	def(&iv.Crowdloan, 10*time.Minute)
	def(&iv.StakeUnlocking, 5*time.Minute)
	return iv
}

// Jobs returns the recurring refresh jobs bound to this hub.
func (h *Hub) Jobs(iv Intervals, p Providers) []chain.Job {
	iv = iv.withDefaults()
	r := &refresher{hub: h, p: p, log: logger.Named("chainstate")}
	return []chain.Job{
		{Name: JobRefreshPrice, Interval: iv.Price, Run: r.prices},
		{Name: JobRefreshNFT, Interval: iv.NFT, Run: r.nfts},
		{Name: JobRefreshStakingReward, Interval: iv.StakingSlow, Run: r.staking(false)},
		{Name: JobRefreshStakingRewardFast, Interval: iv.StakingFast, Run: r.staking(true)},
		{Name: JobRefreshCrowdloan, Interval: iv.Crowdloan, Run: r.crowdloans},
		{Name: JobRefreshStakeUnlocking, Interval: iv.StakeUnlocking, Run: r.unlocking},
	}
}

type refresher struct {
	hub *Hub
	p   Providers
	log *slog.Logger
}

// eachChain runs fn for every connected chain of the scope, isolated per chain.
func (r *refresher) eachChain(ctx context.Context, scope chain.Scope, fn func(context.Context, Query) error) error {
	if scope.Account == "" {
		return nil
	}
	return chain.ForEach(ctx, r.log, scope.ConnectedChains(), func(ctx context.Context, key string) error {
		client, ok := scope.Client(key)
		if !ok {
			return nil
		}
		return fn(ctx, Query{Chain: key, Definition: scope.Definitions[key], Client: client, Account: scope.Account})
	})
}

func (r *refresher) prices(ctx context.Context, scope chain.Scope) error {
	if r.p.Prices == nil {
		return nil
	}
	var ids []string
	for _, key := range scope.Chains {
		if id := scope.Definitions[key].CoinGeckoID; id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	quotes, err := r.p.Prices.Prices(ctx, ids)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, key := range scope.Chains {
		def := scope.Definitions[key]
		usd, ok := quotes[def.CoinGeckoID]
		if !ok {
			continue
		}
		next := Price{Chain: key, Symbol: def.Symbol, CoinID: def.CoinGeckoID, USD: usd, UpdatedAt: now}
		r.hub.Prices.Update(ctx, key, func(old Price, exists bool) (Price, bool) {
			return next, !exists || old.USD != usd
		})
	}
	return nil
}

func (r *refresher) staking(fast bool) func(context.Context, chain.Scope) error {
	return func(ctx context.Context, scope chain.Scope) error {
		if r.p.Staking == nil {
			return nil
		}
		return r.eachChain(ctx, scope, func(ctx context.Context, q Query) error {
			s, err := r.p.Staking.Staking(ctx, q, fast)
			if err != nil {
				return err
			}
			s.Chain, s.Address, s.UpdatedAt = q.Chain, q.Account, time.Now()
			r.hub.Staking.Update(ctx, accountKey(q.Chain, q.Account), func(old Staking, ok bool) (Staking, bool) {
				if fast && ok {
					old.PendingReward = s.PendingReward
					old.UpdatedAt = s.UpdatedAt
					return old, true
				}
				if ok && s.Unlocking == nil {
					s.Unlocking = old.Unlocking
				}
				return s, true
			})
			return nil
		})
	}
}

func (r *refresher) unlocking(ctx context.Context, scope chain.Scope) error {
	if r.p.Unlocking == nil {
		return nil
	}
	return r.eachChain(ctx, scope, func(ctx context.Context, q Query) error {
		chunks, err := r.p.Unlocking.Unlocking(ctx, q)
		if err != nil {
			return err
		}
		r.hub.Staking.Update(ctx, accountKey(q.Chain, q.Account), func(old Staking, ok bool) (Staking, bool) {
			if !ok {
				old = Staking{Chain: q.Chain, Address: q.Account}
			}
			old.Unlocking = chunks
			old.UpdatedAt = time.Now()
			return old, true
		})
		return nil
	})
}

func (r *refresher) crowdloans(ctx context.Context, scope chain.Scope) error {
	if r.p.Crowdloans == nil {
		return nil
	}
	return r.eachChain(ctx, scope, func(ctx context.Context, q Query) error {
		list, err := r.p.Crowdloans.Contributions(ctx, q)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, c := range list {
			c.Chain, c.Address, c.UpdatedAt = q.Chain, q.Account, now
			r.hub.Crowdloans.Put(ctx, accountKey(q.Chain, q.Account)+"|"+strconv.FormatUint(uint64(c.ParaID), 10), c)
		}
		return nil
	})
}

func (r *refresher) nfts(ctx context.Context, scope chain.Scope) error {
	if r.p.NFTs == nil {
		return nil
	}
	return r.eachChain(ctx, scope, func(ctx context.Context, q Query) error {
		list, err := r.p.NFTs.Collections(ctx, q)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, c := range list {
			c.Chain, c.Address, c.UpdatedAt = q.Chain, q.Account, now
			r.hub.NFTs.Put(ctx, accountKey(q.Chain, q.Account)+"|"+c.Collection, c)
		}
		return nil
	})
}

// BalanceWatcher polls the active account's native balance on every
// connected chain and publishes it when it changes.
func (h *Hub) BalanceWatcher(interval time.Duration) chain.Hook {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	log := logger.Named("balance-watcher")
	return func(ctx context.Context, scope chain.Scope, key string, client chain.Client) {
		if scope.Account == "" {
			return
		}
		def := scope.Definitions[key]
		poll := func() {
			amount, err := client.BalanceAt(ctx, scope.Account)
			if err != nil {
				if ctx.Err() == nil {
					log.Debug("balance poll failed", slog.String("chain", key), slog.Any("error", err))
				}
				return
			}
			free := amount.String()
			next := Balance{
				Chain:     key,
				Address:   scope.Account,
				Symbol:    def.Symbol,
				Decimals:  def.Decimals,
				Free:      free,
				Formatted: FormatUnits(amount, def.Decimals),
				UpdatedAt: time.Now(),
			}
			h.Balances.Update(ctx, accountKey(key, scope.Account), func(old Balance, ok bool) (Balance, bool) {
				return next, !ok || old.Free != free
			})
		}

		poll()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}
}
