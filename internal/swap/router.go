package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"carry-hedger/internal/domain"
)

// Route 为路由报价；Raw 原样回传给 /swap。
type Route struct {
	InAmount  uint64
	OutAmount uint64
	Raw       json.RawMessage
}

// SwapTx 为路由构造的待签名交易。
type SwapTx struct {
	Transaction          []byte
	LastValidBlockHeight uint64
}

type quoteResponse struct {
	InAmount  string            `json:"inAmount"`
	OutAmount string            `json:"outAmount"`
	RoutePlan []json.RawMessage `json:"routePlan"`
}

type routerError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

type swapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Router 调用 Jupiter 路由接口。
type Router struct {
	http        *resty.Client
	slippageBps int
}

// NewRouter 创建路由客户端。
func NewRouter(baseURL string, slippageBps int, timeout time.Duration) *Router {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Router{http: client, slippageBps: slippageBps}
}

// Quote 查询 input -> output 的最优路由，无可用路由时返回 domain.ErrNoRoute。
func (r *Router) Quote(ctx context.Context, input, output domain.Asset, rawAmount uint64) (Route, error) {
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   input.Mint,
			"outputMint":  output.Mint,
			"amount":      strconv.FormatUint(rawAmount, 10),
			"slippageBps": strconv.Itoa(r.slippageBps),
		}).
		Get("/quote")
	if err != nil {
		return Route{}, fmt.Errorf("swap: 路由报价请求失败: %w", err)
	}
	if !resp.IsSuccess() {
		var re routerError
		_ = json.Unmarshal(resp.Body(), &re)
		if resp.StatusCode() == http.StatusBadRequest && isNoRoute(re) {
			return Route{}, fmt.Errorf("swap: %s -> %s: %w", input.Symbol, output.Symbol, domain.ErrNoRoute)
		}
		return Route{}, fmt.Errorf("swap: 路由报价失败 (%d): %s", resp.StatusCode(), resp.String())
	}

	var q quoteResponse
	if err := json.Unmarshal(resp.Body(), &q); err != nil {
		return Route{}, fmt.Errorf("swap: 解析路由报价失败: %w", err)
	}
	if len(q.RoutePlan) == 0 {
		return Route{}, fmt.Errorf("swap: %s -> %s: %w", input.Symbol, output.Symbol, domain.ErrNoRoute)
	}
	in, err := strconv.ParseUint(q.InAmount, 10, 64)
	if err != nil {
		return Route{}, fmt.Errorf("swap: inAmount 无效 %q: %w", q.InAmount, err)
	}
	out, err := strconv.ParseUint(q.OutAmount, 10, 64)
	if err != nil {
		return Route{}, fmt.Errorf("swap: outAmount 无效 %q: %w", q.OutAmount, err)
	}
	return Route{InAmount: in, OutAmount: out, Raw: json.RawMessage(resp.Body())}, nil
}

// BuildSwap 按报价构造交易。
func (r *Router) BuildSwap(ctx context.Context, route Route, owner string) (SwapTx, error) {
	var out swapResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(swapRequest{
			QuoteResponse:           route.Raw,
			UserPublicKey:           owner,
			WrapAndUnwrapSol:        true,
			DynamicComputeUnitLimit: true,
		}).
		SetResult(&out).
		Post("/swap")
	if err != nil {
		return SwapTx{}, fmt.Errorf("swap: 构造交易请求失败: %w", err)
	}
	if !resp.IsSuccess() {
		return SwapTx{}, fmt.Errorf("swap: 构造交易失败 (%d): %s", resp.StatusCode(), resp.String())
	}
	tx, err := decodeBase64(out.SwapTransaction)
	if err != nil {
		return SwapTx{}, fmt.Errorf("swap: 交易编码无效: %w", err)
	}
	return SwapTx{Transaction: tx, LastValidBlockHeight: out.LastValidBlockHeight}, nil
}

func isNoRoute(re routerError) bool {
	if re.ErrorCode == "COULD_NOT_FIND_ANY_ROUTE" || re.ErrorCode == "NO_ROUTES_FOUND" {
		return true
	}
	return strings.Contains(strings.ToLower(re.Error), "route")
}
