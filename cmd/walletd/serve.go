package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"OpenWallet-Core/internal/api"
	"OpenWallet-Core/internal/approval"
	"OpenWallet-Core/internal/chain"
	"OpenWallet-Core/internal/chainstate"
	"OpenWallet-Core/internal/config"
	"OpenWallet-Core/internal/cron"
	"OpenWallet-Core/internal/handler"
	"OpenWallet-Core/internal/keyring"
	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/notify"
	"OpenWallet-Core/internal/router"
	"OpenWallet-Core/internal/subscription"
	"OpenWallet-Core/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ensureToken(cfg, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// ensureToken 在未配置令牌时生成一次性令牌，只写到终端，不进日志。
func ensureToken(cfg *config.Config, w io.Writer) {
	if cfg.Server.Token != "" {
		return
	}
	cfg.Server.Token = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	fmt.Fprintf(w, "walletd: no wallet token configured, generated %s=%s for this run\n", config.EnvToken, cfg.Server.Token)
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("walletd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := kvstore.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := keyring.Open(ctx, keyring.Config{Dir: cfg.Keystore.Dir, Light: cfg.Keystore.Light}, store)
	if err != nil {
		return err
	}

	notifiers := []notify.Notifier{&notify.LogNotifier{Logger: logger.Named("notify")}}
	if cfg.Notify.AMQP.URL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.Notify.AMQP)
		if err != nil {
			// 通知通道不可用时仍可通过日志与订阅工作。
			log.Warn("amqp notifier disabled", slog.Any("error", err))
		} else {
			defer amqpNotifier.Close()
			notifiers = append(notifiers, amqpNotifier)
		}
	}

	state, err := approval.New(ctx, store, keys, approval.WithNotifier(notify.NewFanout(notifiers...)))
	if err != nil {
		return err
	}

	subs := subscription.NewManager(subscription.Config{
		DebounceQuiet:   cfg.Debounce.Quiet.Std(),
		DebounceMaxWait: cfg.Debounce.MaxWait.Std(),
	})
	hub := chainstate.NewHub()
	hub.Register(subs)

	defs, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("chain definitions not found", slog.String("path", cfg.Chains.DefinitionsPath))
		defs, err = chain.LoadDefinitions("")
	}
	if err != nil {
		return err
	}

	providers := chainstate.Providers{}
	if cfg.Prices.Enabled {
		providers.Prices = chainstate.NewCoinGecko(cfg.Prices.BaseURL, cfg.Prices.Timeout.Std())
	}
	sched := cron.New()
	orchestrator, err := chain.NewOrchestrator(
		chain.Config{
			ProbeInterval:   cfg.Chains.ProbeInterval.Std(),
			DialTimeout:     cfg.Chains.DialTimeout.Std(),
			RunJobsOnSwitch: *cfg.Chains.RunJobsOnSwitch,
		},
		defs, sched,
		chainstate.ScopeTeardown{Subs: subs, Hub: hub},
		store,
		chain.WithJobs(hub.Jobs(chainstate.Intervals{
			Price:          cfg.Cron.Price.Std(),
			NFT:            cfg.Cron.NFT.Std(),
			StakingSlow:    cfg.Cron.StakingSlow.Std(),
			StakingFast:    cfg.Cron.StakingFast.Std(),
			Crowdloan:      cfg.Cron.Crowdloan.Std(),
			StakeUnlocking: cfg.Cron.StakeUnlocking.Std(),
		}, providers)...),
		chain.WithHooks(hub.BalanceWatcher(cfg.Chains.BalancePoll.Std())),
	)
	if err != nil {
		return err
	}
	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Stop()

	if cfg.Chains.Watch {
		stopWatch, err := chain.Watch(ctx, cfg.Chains.DefinitionsPath, orchestrator.SetDefinitions)
		if err != nil {
			log.Warn("chain definition watch disabled", slog.Any("error", err))
		} else {
			defer stopWatch()
		}
	}

	handlers, err := handler.New(handler.Deps{
		Approval:      state,
		Keyring:       keys,
		Subscriptions: subs,
		Orchestrator:  orchestrator,
		Chains:        orchestrator.Statuses,
		Phishing:      handler.NewPhishing(cfg.Phishing.Denylist),
	})
	if err != nil {
		return err
	}
	r, err := router.New(handlers.Table(), state)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Addr:             cfg.Server.Address,
		Token:            cfg.Server.Token,
		ExtensionOrigins: cfg.Server.ExtensionOrigins,
		PingInterval:     cfg.Server.PingInterval.Std(),
		WriteTimeout:     cfg.Server.WriteTimeout.Std(),
	}, r)

	log.Info("walletd started",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("chains", len(defs.Chains)))

	err = server.Start(ctx)
	r.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
