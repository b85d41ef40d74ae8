package hedge

import "time"

// Config 控制会话节奏。
type Config struct {
	SettleDelay   time.Duration // 开仓订阅后等待报价稳定
	StartupGrace  time.Duration // 等待首个报价的最长时间
	PollInterval  time.Duration // 追价轮询间隔
	DrainInterval time.Duration // 对冲批量执行间隔
	Tolerance     float64       // 对冲完成阈值，吸收交易所数量截断
	CancelTimeout time.Duration // 终止时撤单超时
	QuoteDecimals int32         // 开仓追价时成交额的截断精度
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		SettleDelay:   5 * time.Second,
		StartupGrace:  10 * time.Second,
		PollInterval:  500 * time.Millisecond,
		DrainInterval: 5 * time.Second,
		Tolerance:     0.995,
		CancelTimeout: 10 * time.Second,
		QuoteDecimals: 6,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	cfg := c
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = def.StartupGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.Tolerance <= 0 || cfg.Tolerance > 1 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.QuoteDecimals < 0 {
		cfg.QuoteDecimals = def.QuoteDecimals
	}
	return cfg
}
