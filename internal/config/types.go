package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"carry-hedger/internal/domain"
)

const (
	// ModeLive 连接真实交易所与链上路由。
	ModeLive = "live"
	// ModePaper 使用本地模拟撮合与兑换。
	ModePaper = "paper"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Swap     SwapConfig     `mapstructure:"swap"`
	Hedge    HedgeConfig    `mapstructure:"hedge"`
	Position PositionConfig `mapstructure:"position"`
	Database DatabaseConfig `mapstructure:"database"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Paper    PaperConfig    `mapstructure:"paper"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Mode        string `mapstructure:"mode"`
}

// VenueConfig 描述永续合约交易所连接信息。
type VenueConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	AmendRate  float64     `mapstructure:"amend_rate"`
	AmendBurst int         `mapstructure:"amend_burst"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// FeedConfig 描述行情与成交推送。
type FeedConfig struct {
	RestURL           string        `mapstructure:"rest_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

// SwapConfig 描述链上兑换。
type SwapConfig struct {
	RouterURL       string        `mapstructure:"router_url"`
	RPCURL          string        `mapstructure:"rpc_url"`
	SecretKey       string        `mapstructure:"secret_key"`
	SlippageBps     int           `mapstructure:"slippage_bps"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	MaxSendAttempts int           `mapstructure:"max_send_attempts"`
	MaxRequotes     int           `mapstructure:"max_requotes"`
}

// MarketConfig 将标的符号映射到合约与对冲代币。
type MarketConfig struct {
	Instrument string       `mapstructure:"instrument"`
	Token      domain.Asset `mapstructure:"token"`
}

// HedgeConfig 控制对冲会话节奏与资产。
type HedgeConfig struct {
	SettleDelay   time.Duration           `mapstructure:"settle_delay"`
	StartupGrace  time.Duration           `mapstructure:"startup_grace"`
	PollInterval  time.Duration           `mapstructure:"poll_interval"`
	DrainInterval time.Duration           `mapstructure:"drain_interval"`
	Tolerance     float64                 `mapstructure:"tolerance"`
	CancelTimeout time.Duration           `mapstructure:"cancel_timeout"`
	QuoteAsset    domain.Asset            `mapstructure:"quote_asset"`
	Markets       map[string]MarketConfig `mapstructure:"markets"`
}

// Market 按符号（大小写不敏感）查找市场配置。
func (h HedgeConfig) Market(symbol string) (MarketConfig, bool) {
	m, ok := h.Markets[strings.ToLower(strings.TrimSpace(symbol))]
	return m, ok
}

// PositionConfig 描述当前仓位存储。
type PositionConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PaperConfig 控制模拟模式。
type PaperConfig struct {
	Bid           float64       `mapstructure:"bid"`
	Ask           float64       `mapstructure:"ask"`
	TickSize      float64       `mapstructure:"tick_size"`
	QuoteInterval time.Duration `mapstructure:"quote_interval"`
	SwapLatency   time.Duration `mapstructure:"swap_latency"`
	SwapFailEvery int           `mapstructure:"swap_fail_every"`
	SizeIncrement float64       `mapstructure:"size_increment"`
	MinSize       float64       `mapstructure:"min_size"`
	FillRatio     float64       `mapstructure:"fill_ratio"`
	Seed          uint64        `mapstructure:"seed"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string     `mapstructure:"level"`
	Encoding         string     `mapstructure:"encoding"`
	Development      bool       `mapstructure:"development"`
	OutputPaths      []string   `mapstructure:"output_paths"`
	ErrorOutputPaths []string   `mapstructure:"error_output_paths"`
	File             FileConfig `mapstructure:"file"`
}

// FileConfig 控制滚动日志文件。
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.Mode != ModeLive && c.App.Mode != ModePaper {
		err = multierr.Append(err, fmt.Errorf("app.mode 仅支持 %s 或 %s", ModeLive, ModePaper))
	}

	if c.App.Mode == ModeLive {
		if c.Venue.Name == "" {
			err = multierr.Append(err, errors.New("venue.name 不能为空"))
		}
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
			err = multierr.Append(err, errors.New("venue.api_key 与 venue.api_secret 不能为空"))
		}
		if c.Feed.RestURL == "" || c.Feed.StreamURL == "" {
			err = multierr.Append(err, errors.New("feed.rest_url 与 feed.stream_url 不能为空"))
		}
		if c.Swap.RouterURL == "" || c.Swap.RPCURL == "" {
			err = multierr.Append(err, errors.New("swap.router_url 与 swap.rpc_url 不能为空"))
		}
		if c.Swap.SecretKey == "" {
			err = multierr.Append(err, errors.New("swap.secret_key 不能为空"))
		}
	}
	if c.Venue.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("venue.retry.max_attempts 必须大于0"))
	}
	if c.Venue.Retry.MinDelay <= 0 || c.Venue.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("venue.retry.delay 必须为正"))
	}
	if c.Venue.Retry.MinDelay > c.Venue.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("venue.retry.min_delay 不能大于 max_delay"))
	}
	if c.Venue.AmendRate <= 0 {
		err = multierr.Append(err, errors.New("venue.amend_rate 必须大于0"))
	}

	if c.Swap.SlippageBps <= 0 || c.Swap.SlippageBps > 1000 {
		err = multierr.Append(err, errors.New("swap.slippage_bps 应位于(0,1000]"))
	}
	if c.Swap.RetryDelay <= 0 {
		err = multierr.Append(err, errors.New("swap.retry_delay 必须大于0"))
	}
	if c.Swap.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("swap.confirm_timeout 必须大于0"))
	}
	if c.Swap.MaxSendAttempts < 0 || c.Swap.MaxRequotes < 0 {
		err = multierr.Append(err, errors.New("swap.max_send_attempts 与 swap.max_requotes 不能为负"))
	}

	if c.Hedge.Tolerance <= 0 || c.Hedge.Tolerance > 1 {
		err = multierr.Append(err, errors.New("hedge.tolerance 必须位于(0,1]"))
	}
	if c.Hedge.PollInterval <= 0 || c.Hedge.DrainInterval <= 0 {
		err = multierr.Append(err, errors.New("hedge.poll_interval 与 hedge.drain_interval 必须大于0"))
	}
	if c.Hedge.StartupGrace <= 0 {
		err = multierr.Append(err, errors.New("hedge.startup_grace 必须大于0"))
	}
	if c.Hedge.SettleDelay < 0 {
		err = multierr.Append(err, errors.New("hedge.settle_delay 不能为负"))
	}
	if c.Hedge.QuoteAsset.Symbol == "" || c.Hedge.QuoteAsset.Mint == "" {
		err = multierr.Append(err, errors.New("hedge.quote_asset 需要配置 symbol 与 mint"))
	}
	if len(c.Hedge.Markets) == 0 {
		err = multierr.Append(err, errors.New("hedge.markets 至少包含一个市场"))
	}
	for name, m := range c.Hedge.Markets {
		if m.Instrument == "" {
			err = multierr.Append(err, fmt.Errorf("hedge.markets.%s.instrument 不能为空", name))
		}
		if m.Token.Mint == "" || m.Token.Decimals <= 0 {
			err = multierr.Append(err, fmt.Errorf("hedge.markets.%s.token 需要配置 mint 与 decimals", name))
		}
	}

	if c.Position.Addr == "" {
		err = multierr.Append(err, errors.New("position.addr 不能为空"))
	}
	if c.Position.KeyPrefix == "" {
		err = multierr.Append(err, errors.New("position.key_prefix 不能为空"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 无效"))
	}

	if c.App.Mode == ModePaper {
		if c.Paper.Bid <= 0 || c.Paper.Ask <= 0 || c.Paper.Bid >= c.Paper.Ask {
			err = multierr.Append(err, errors.New("paper.bid 与 paper.ask 必须为正且 bid < ask"))
		}
		if c.Paper.FillRatio <= 0 || c.Paper.FillRatio > 1 {
			err = multierr.Append(err, errors.New("paper.fill_ratio 必须在 (0, 1] 区间"))
		}
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		err = multierr.Append(err, errors.New("logging.file.path 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
