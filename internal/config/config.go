package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "hedger"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 若工作目录存在 .env，会先载入其中的变量（不覆盖已有环境变量）。
func Load(path string) (*Config, error) {
	if err := loadDotEnv(defaultEnvFile); err != nil {
		return nil, err
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", ModeLive)

	v.SetDefault("venue.name", "binanceusdm")
	v.SetDefault("venue.api_key", "")
	v.SetDefault("venue.api_secret", "")
	v.SetDefault("venue.use_sandbox", false)
	v.SetDefault("venue.amend_rate", 5)
	v.SetDefault("venue.amend_burst", 2)
	v.SetDefault("venue.retry.max_attempts", 5)
	v.SetDefault("venue.retry.min_delay", "500ms")
	v.SetDefault("venue.retry.max_delay", "5s")

	v.SetDefault("feed.rest_url", "https://fapi.binance.com")
	v.SetDefault("feed.stream_url", "wss://fstream.binance.com")
	v.SetDefault("feed.keepalive_interval", "30m")
	v.SetDefault("feed.ping_interval", "15s")
	v.SetDefault("feed.reconnect_delay", "2s")
	v.SetDefault("feed.handshake_timeout", "10s")

	v.SetDefault("swap.router_url", "https://quote-api.jup.ag/v6")
	v.SetDefault("swap.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("swap.secret_key", "")
	v.SetDefault("swap.slippage_bps", 50)
	v.SetDefault("swap.request_timeout", "15s")
	v.SetDefault("swap.retry_delay", "500ms")
	v.SetDefault("swap.confirm_timeout", "120s")
	v.SetDefault("swap.max_send_attempts", 0)
	v.SetDefault("swap.max_requotes", 5)

	v.SetDefault("hedge.settle_delay", "5s")
	v.SetDefault("hedge.startup_grace", "10s")
	v.SetDefault("hedge.poll_interval", "500ms")
	v.SetDefault("hedge.drain_interval", "5s")
	v.SetDefault("hedge.tolerance", 0.995)
	v.SetDefault("hedge.cancel_timeout", "10s")
	v.SetDefault("hedge.quote_asset.symbol", "USDC")
	v.SetDefault("hedge.quote_asset.mint", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	v.SetDefault("hedge.quote_asset.decimals", 6)

	v.SetDefault("position.addr", "127.0.0.1:6379")
	v.SetDefault("position.password", "")
	v.SetDefault("position.db", 0)
	v.SetDefault("position.key_prefix", "hedger")

	v.SetDefault("database.path", "data/hedger.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)

	v.SetDefault("paper.tick_size", 0.01)
	v.SetDefault("paper.quote_interval", "1s")
	v.SetDefault("paper.swap_latency", "2s")
	v.SetDefault("paper.swap_fail_every", 0)
	v.SetDefault("paper.size_increment", 0.01)
	v.SetDefault("paper.min_size", 0.01)
	v.SetDefault("paper.fill_ratio", 0.25)
	v.SetDefault("paper.seed", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/hedger.log")
	v.SetDefault("logging.file.max_size_mb", 10)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.compress", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
