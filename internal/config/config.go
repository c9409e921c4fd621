package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/notify"
	"OpenWallet-Core/pkg/logger"
)

// EnvToken 覆盖配置文件中的特权端口令牌。
const EnvToken = "WALLET_TOKEN"

// Config 描述后台核心启动时需要的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  kvstore.Config `json:"storage"`
	Keystore KeystoreConfig `json:"keystore"`
	Chains   ChainsConfig   `json:"chains"`
	Debounce DebounceConfig `json:"debounce"`
	Cron     CronConfig     `json:"cron"`
	Prices   PriceConfig    `json:"prices"`
	Phishing PhishingConfig `json:"phishing"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  logger.Config  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制端口服务的监听地址与令牌。默认只监听本机。
type ServerConfig struct {
	Address string `json:"address"`
	// Token 为空时由 serve 命令在启动时生成。
	Token            string   `json:"token"`
	ExtensionOrigins []string `json:"extension_origins"`
	PingInterval     Duration `json:"ping_interval"`
	WriteTimeout     Duration `json:"write_timeout"`
}

// KeystoreConfig 指定 keystore 目录。Light 仅用于开发环境。
type KeystoreConfig struct {
	Dir   string `json:"dir"`
	Light bool   `json:"light"`
}

// ChainsConfig 描述链定义文件与连接探测参数。
type ChainsConfig struct {
	DefinitionsPath string   `json:"definitions_path"`
	Watch           bool     `json:"watch"`
	ProbeInterval   Duration `json:"probe_interval"`
	DialTimeout     Duration `json:"dial_timeout"`
	BalancePoll     Duration `json:"balance_poll"`
	RunJobsOnSwitch *bool    `json:"run_jobs_on_switch"`
}

// DebounceConfig 控制余额类订阅的合并推送。
type DebounceConfig struct {
	Quiet   Duration `json:"quiet"`
	MaxWait Duration `json:"max_wait"`
}

// CronConfig 是各刷新任务的间隔。
type CronConfig struct {
	Price          Duration `json:"price"`
	NFT            Duration `json:"nft"`
	StakingSlow    Duration `json:"staking_slow"`
	StakingFast    Duration `json:"staking_fast"`
	Crowdloan      Duration `json:"crowdloan"`
	StakeUnlocking Duration `json:"stake_unlocking"`
}

// PriceConfig 指向 CoinGecko 兼容的价格接口。
type PriceConfig struct {
	Enabled bool     `json:"enabled"`
	BaseURL string   `json:"base_url"`
	Timeout Duration `json:"timeout"`
}

// PhishingConfig 是钓鱼站点黑名单。
type PhishingConfig struct {
	Denylist []string `json:"denylist"`
}

// NotifyConfig 控制审批窗口通知。AMQP.URL 为空时只写日志。
type NotifyConfig struct {
	AMQP notify.AMQPConfig `json:"amqp"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Duration 支持 "15s" 形式的字符串，或以毫秒计的整数。
type Duration time.Duration

// Std 返回标准库类型。
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("无效的时间间隔 %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("无效的时间间隔 %s", string(data))
	}
	return nil
}

// DefaultDenylist 是内置的钓鱼站点列表。
var DefaultDenylist = []string{
	"polkadot-wallet.org",
	"polkawallet-claim.com",
	"metamask-restore.io",
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，相对路径以 baseDir 为准。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8787"
	}
	duration(&c.Server.PingInterval, 30*time.Second)
	duration(&c.Server.WriteTimeout, 10*time.Second)

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "walletd.db")
	}

	if c.Keystore.Dir == "" {
		c.Keystore.Dir = filepath.Join(c.Runtime.DataDir, "keystore")
	} else if !filepath.IsAbs(c.Keystore.Dir) {
		c.Keystore.Dir = filepath.Join(baseDir, c.Keystore.Dir)
	}

	c.Chains.DefinitionsPath = resolve(baseDir, c.Chains.DefinitionsPath, "chains.yaml")
	duration(&c.Chains.ProbeInterval, 15*time.Second)
	duration(&c.Chains.DialTimeout, 10*time.Second)
	duration(&c.Chains.BalancePoll, 12*time.Second)
	if c.Chains.RunJobsOnSwitch == nil {
		enabled := true
		c.Chains.RunJobsOnSwitch = &enabled
	}

	duration(&c.Debounce.Quiet, 300*time.Millisecond)
	duration(&c.Debounce.MaxWait, 3*time.Second)

	duration(&c.Cron.Price, 60*time.Second)
	duration(&c.Cron.NFT, 10*time.Minute)
	duration(&c.Cron.StakingSlow, 15*time.Minute)
	duration(&c.Cron.StakingFast, 3*time.Minute)
	duration(&c.Cron.Crowdloan, 10*time.Minute)
	duration(&c.Cron.StakeUnlocking, 5*time.Minute)

	if c.Prices.BaseURL == "" {
		c.Prices.BaseURL = "https://api.coingecko.com/api/v3"
	}
	duration(&c.Prices.Timeout, 10*time.Second)

	if c.Phishing.Denylist == nil {
		c.Phishing.Denylist = append([]string(nil), DefaultDenylist...)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func (c *Config) applyEnv() {
	if token := strings.TrimSpace(os.Getenv(EnvToken)); token != "" {
		c.Server.Token = token
	}
}

func duration(v *Duration, def time.Duration) {
	if *v <= 0 {
		*v = Duration(def)
	}
}

func resolve(baseDir, value, def string) string {
	if value == "" {
		return filepath.Join(baseDir, def)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
