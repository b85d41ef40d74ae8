package swap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SignatureStatus 为 getSignatureStatuses 的单条结果。
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Confirmed 判断交易是否已达到 confirmed 承诺级别。
func (s SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// Failed 判断交易是否执行失败。
func (s SignatureStatus) Failed() bool {
	v := strings.TrimSpace(string(s.Err))
	return v != "" && v != "null"
}

type tokenBalance struct {
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

// TransactionMeta 为 getTransaction 返回的余额变化。
type TransactionMeta struct {
	Fee               uint64         `json:"fee"`
	PreBalances       []uint64       `json:"preBalances"`
	PostBalances      []uint64       `json:"postBalances"`
	PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
	PostTokenBalances []tokenBalance `json:"postTokenBalances"`
}

// RPC 为 Solana JSON-RPC 客户端。
type RPC struct {
	http *resty.Client
	seq  atomic.Uint64
}

// NewRPC 创建 RPC 客户端。
func NewRPC(url string, timeout time.Duration) *RPC {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &RPC{http: client}
}

func (r *RPC) call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	var body rpcResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: r.seq.Add(1), Method: method, Params: params}).
		SetResult(&body).
		Post("")
	if err != nil {
		return fmt.Errorf("swap: %s 请求失败: %w", method, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("swap: %s 失败 (%d): %s", method, resp.StatusCode(), resp.String())
	}
	if body.Error != nil {
		return fmt.Errorf("swap: %s: %w", method, body.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return fmt.Errorf("swap: 解析 %s 结果失败: %w", method, err)
	}
	return nil
}

// SendTransaction 广播已签名交易，返回交易签名。
func (r *RPC) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	err := r.call(ctx, "sendTransaction", &sig,
		base64.StdEncoding.EncodeToString(tx),
		map[string]interface{}{
			"encoding":      "base64",
			"skipPreflight": true,
			"maxRetries":    20,
		},
	)
	return sig, err
}

// SignatureStatus 查询交易状态；尚未被节点看到时 ok 为 false。
func (r *RPC) SignatureStatus(ctx context.Context, sig string) (SignatureStatus, bool, error) {
	var out struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := r.call(ctx, "getSignatureStatuses", &out, []string{sig}); err != nil {
		return SignatureStatus{}, false, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, false, nil
	}
	return *out.Value[0], true, nil
}

// BlockHeight 返回 confirmed 承诺级别下的区块高度。
func (r *RPC) BlockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	err := r.call(ctx, "getBlockHeight", &h, map[string]string{"commitment": "confirmed"})
	return h, err
}

// TransactionMeta 读取已确认交易的余额变化；交易尚不可查时 ok 为 false。
func (r *RPC) TransactionMeta(ctx context.Context, sig string) (TransactionMeta, bool, error) {
	var out *struct {
		Meta *TransactionMeta `json:"meta"`
	}
	err := r.call(ctx, "getTransaction", &out, sig, map[string]interface{}{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return TransactionMeta{}, false, err
	}
	if out == nil || out.Meta == nil {
		return TransactionMeta{}, false, nil
	}
	return *out.Meta, true, nil
}
