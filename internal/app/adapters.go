package app

import (
	"context"
	"fmt"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"carry-hedger/internal/config"
	"carry-hedger/internal/domain"
	"carry-hedger/internal/exchange"
	"carry-hedger/internal/feed"
	"carry-hedger/internal/hedge"
	"carry-hedger/internal/paper"
	"carry-hedger/internal/swap"
)

// adapters 为一次会话所需的外部依赖，实盘与模拟模式各有一套实现。
type adapters struct {
	feed      hedge.Feed
	venue     hedge.Venue
	swapper   hedge.Swapper
	positions interface {
		Positions(ctx context.Context) ([]ccxt.Position, error)
	}
	// reference 读取开盘前的参考报价，仅用于日志
	reference func(ctx context.Context, instrument string) (domain.Quote, error)
	// background 在会话期间持续运行，如模拟行情
	background func(ctx context.Context) error
}

func buildAdapters(cfg *config.Config, instrument string, logger *zap.Logger) (adapters, error) {
	if cfg.App.Mode == config.ModePaper {
		return buildPaperAdapters(cfg, instrument, logger)
	}
	return buildLiveAdapters(cfg, logger)
}

func buildLiveAdapters(cfg *config.Config, logger *zap.Logger) (adapters, error) {
	venue, err := exchange.NewClient(cfg.Venue, logger)
	if err != nil {
		return adapters{}, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	swapper, err := swap.NewExecutor(cfg.Swap, logger)
	if err != nil {
		return adapters{}, fmt.Errorf("初始化兑换执行器失败: %w", err)
	}
	return adapters{
		feed:      feed.NewStream(cfg.Feed, cfg.Venue.APIKey, logger),
		venue:     venue,
		swapper:   swapper,
		positions: venue,
		reference: venue.FetchQuote,
	}, nil
}

func buildPaperAdapters(cfg *config.Config, instrument string, logger *zap.Logger) (adapters, error) {
	market, err := paper.NewMarket(instrument, cfg.Paper, logger)
	if err != nil {
		return adapters{}, err
	}
	logger.Info("运行于模拟模式", zap.String("instrument", instrument))
	return adapters{
		feed:      market,
		venue:     market,
		swapper:   paper.NewSwapper(market, cfg.Hedge.QuoteAsset, cfg.Paper, logger),
		positions: market,
		reference: func(context.Context, string) (domain.Quote, error) {
			return market.Quote(), nil
		},
		background: market.Run,
	}, nil
}
