package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"OpenWallet-Core/internal/config"
)

// EnvConfig 指定配置文件路径，优先级低于 --config。
const EnvConfig = "WALLET_CONFIG"

var cfgFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "walletd",
		Short: "walletd - browser wallet background core",
		Long: `walletd hosts the background core of a browser wallet extension.

It accepts the privileged extension port and page content ports over
websocket, routes their messages, queues approvals and keeps chain
connections for the active account.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $WALLET_CONFIG or configs/walletd.json)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	return rootCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	return filepath.Join("configs", "walletd.json")
}

// loadConfig 读取配置；默认路径不存在时使用内置默认值。
func loadConfig() (*config.Config, error) {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) && cfgFile == "" && os.Getenv(EnvConfig) == "" {
		return config.Default(filepath.Dir(path)), nil
	}
	return config.Load(path)
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Server.Token != "" {
				redacted.Server.Token = "***"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(redacted)
		},
	}
}
