package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	OrderBook OrderBookConfig `yaml:"orderbook"`
	Chain     ChainConfig     `yaml:"chain"`
	Trade     TradeConfig     `yaml:"trade"`
	State     StateConfig     `yaml:"state"`
	History   HistoryConfig   `yaml:"history"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Stream    StreamConfig    `yaml:"stream"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type OrderBookConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	L2             bool          `yaml:"l2"`
	Settlement     string        `yaml:"settlement"`
	VaultRelayer   string        `yaml:"vault_relayer"`
	EthFlow        string        `yaml:"eth_flow"`
	WrappedNative  string        `yaml:"wrapped_native"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	ReceiptPoll    time.Duration `yaml:"receipt_poll"`
	SmartWallet    bool          `yaml:"smart_wallet"`
	PrivateKey     string        `yaml:"private_key"`
}

type TradeConfig struct {
	AppCode           string        `yaml:"app_code"`
	SellToken         string        `yaml:"sell_token"`
	BuyToken          string        `yaml:"buy_token"`
	Amount            string        `yaml:"amount"`
	Kind              string        `yaml:"kind"`
	Receiver          string        `yaml:"receiver"`
	SlippagePercent   string        `yaml:"slippage_percent"`
	TTLMinutes        string        `yaml:"ttl_minutes"`
	QuoteDebounce     time.Duration `yaml:"quote_debounce"`
	QuoteValidity     time.Duration `yaml:"quote_validity"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchingEnabled   bool          `yaml:"batching_enabled"`
	ZeroResetTokens   []string      `yaml:"zero_reset_tokens"`
	PriceIndexURL     string        `yaml:"price_index_url"`
	ReferenceToken    string        `yaml:"reference_token"`
	ReferenceDecimals int           `yaml:"reference_decimals"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

const (
	mainnetChainID       = 1
	defaultSettlement    = "0x9008D19f58AAbD9eD0D60971565AA8510560ab41"
	defaultVaultRelayer  = "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"
	defaultEthFlow       = "0xbA3cB449bD2B4ADddBc894D8697F5170800EAdeC"
	defaultWrappedNative = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	defaultUSDC          = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	defaultUSDT          = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = mainnetChainID
	}
	if cfg.OrderBook.BaseURL == "" {
		cfg.OrderBook.BaseURL = "https://api.cow.fi/" + networkSlug(cfg.Chain.ChainID)
	}
	cfg.OrderBook.BaseURL = strings.TrimRight(cfg.OrderBook.BaseURL, "/")
	if cfg.OrderBook.Timeout == 0 {
		cfg.OrderBook.Timeout = 10 * time.Second
	}
	if cfg.Chain.Settlement == "" {
		cfg.Chain.Settlement = defaultSettlement
	}
	if cfg.Chain.VaultRelayer == "" {
		cfg.Chain.VaultRelayer = defaultVaultRelayer
	}
	if cfg.Chain.EthFlow == "" {
		cfg.Chain.EthFlow = defaultEthFlow
	}
	if cfg.Chain.WrappedNative == "" && cfg.Chain.ChainID == mainnetChainID {
		cfg.Chain.WrappedNative = defaultWrappedNative
	}
	if cfg.Chain.ReceiptTimeout == 0 {
		cfg.Chain.ReceiptTimeout = 3 * time.Minute
	}
	if cfg.Chain.ReceiptPoll == 0 {
		cfg.Chain.ReceiptPoll = 2 * time.Second
	}
	if cfg.Trade.AppCode == "" {
		cfg.Trade.AppCode = "swap-engine"
	}
	if cfg.Trade.Kind == "" {
		cfg.Trade.Kind = "sell"
	}
	if cfg.Trade.QuoteDebounce == 0 {
		cfg.Trade.QuoteDebounce = 500 * time.Millisecond
	}
	if cfg.Trade.QuoteValidity == 0 {
		cfg.Trade.QuoteValidity = 2 * time.Minute
	}
	if cfg.Trade.PollInterval == 0 {
		cfg.Trade.PollInterval = 2 * time.Second
	}
	if cfg.Trade.ZeroResetTokens == nil && cfg.Chain.ChainID == mainnetChainID {
		cfg.Trade.ZeroResetTokens = []string{defaultUSDT}
	}
	if cfg.Trade.ReferenceToken == "" && cfg.Chain.ChainID == mainnetChainID {
		cfg.Trade.ReferenceToken = defaultUSDC
		if cfg.Trade.ReferenceDecimals == 0 {
			cfg.Trade.ReferenceDecimals = 6
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/swap-engine.db"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Stream.Address == "" {
		cfg.Stream.Address = "127.0.0.1:9002"
	}
	if cfg.Stream.Path == "" {
		cfg.Stream.Path = "/ws"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SWAP_RPC_URL")); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAP_ORDERBOOK_URL")); v != "" {
		cfg.OrderBook.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("SWAP_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAP_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAP_HISTORY_DSN")); v != "" {
		cfg.History.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SWAP_PRIVATE_KEY")); v != "" {
		cfg.Chain.PrivateKey = v
	}
}

func validate(cfg *Config) error {
	if cfg.Chain.ChainID <= 0 {
		return errors.New("chain.chain_id must be > 0")
	}
	for name, addr := range map[string]string{
		"chain.settlement":    cfg.Chain.Settlement,
		"chain.vault_relayer": cfg.Chain.VaultRelayer,
		"chain.eth_flow":      cfg.Chain.EthFlow,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address: %q", name, addr)
		}
	}
	if cfg.Chain.WrappedNative != "" && !common.IsHexAddress(cfg.Chain.WrappedNative) {
		return fmt.Errorf("chain.wrapped_native is not a valid address: %q", cfg.Chain.WrappedNative)
	}
	if cfg.Trade.Kind != "sell" && cfg.Trade.Kind != "buy" {
		return fmt.Errorf("trade.kind must be sell or buy, got %q", cfg.Trade.Kind)
	}
	if cfg.Trade.QuoteDebounce < 0 {
		return errors.New("trade.quote_debounce must be >= 0")
	}
	if cfg.Trade.PollInterval < 0 {
		return errors.New("trade.poll_interval must be >= 0")
	}
	for _, token := range cfg.Trade.ZeroResetTokens {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("trade.zero_reset_tokens contains invalid address %q", token)
		}
	}
	if cfg.Chain.ReceiptTimeout < 0 || cfg.Chain.ReceiptPoll < 0 {
		return errors.New("chain receipt timings must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Stream.Path != "" && !strings.HasPrefix(cfg.Stream.Path, "/") {
		return errors.New("stream.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}

func networkSlug(chainID int64) string {
	switch chainID {
	case 100:
		return "xdai"
	case 8453:
		return "base"
	case 42161:
		return "arbitrum_one"
	case 11155111:
		return "sepolia"
	default:
		return "mainnet"
	}
}
