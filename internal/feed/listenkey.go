package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"carry-hedger/internal/domain"
)

const listenKeyPath = "/fapi/v1/listenKey"

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// listenKeys 管理用户数据流的 listenKey。
type listenKeys struct {
	http *resty.Client
}

func newListenKeys(restURL, apiKey string, timeout time.Duration) *listenKeys {
	client := resty.New().
		SetBaseURL(restURL).
		SetTimeout(timeout).
		SetHeader("X-MBX-APIKEY", apiKey).
		SetHeader("Accept", "application/json")
	return &listenKeys{http: client}
}

// Create 新建或续用 listenKey。
func (l *listenKeys) Create(ctx context.Context) (string, error) {
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&listenKeyResponse{}).
		Post(listenKeyPath)
	if err != nil {
		return "", fmt.Errorf("feed: 创建 listenKey 失败: %w", err)
	}
	if err := checkStatus(resp, "创建 listenKey"); err != nil {
		return "", err
	}
	out, ok := resp.Result().(*listenKeyResponse)
	if !ok || out.ListenKey == "" {
		return "", fmt.Errorf("feed: listenKey 响应为空: %s", resp.String())
	}
	return out.ListenKey, nil
}

// KeepAlive 延长 listenKey 有效期。
func (l *listenKeys) KeepAlive(ctx context.Context) error {
	resp, err := l.http.R().SetContext(ctx).Put(listenKeyPath)
	if err != nil {
		return fmt.Errorf("feed: 续期 listenKey 失败: %w", err)
	}
	return checkStatus(resp, "续期 listenKey")
}

// Close 关闭 listenKey。
func (l *listenKeys) Close(ctx context.Context) error {
	resp, err := l.http.R().SetContext(ctx).Delete(listenKeyPath)
	if err != nil {
		return fmt.Errorf("feed: 关闭 listenKey 失败: %w", err)
	}
	return checkStatus(resp, "关闭 listenKey")
}

// 鉴权被拒无法在本地恢复，按致命错误上报
func checkStatus(resp *resty.Response, op string) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("feed: %s 被拒绝 (%d): %s: %w", op, code, resp.String(), domain.ErrFeedFatal)
	case !resp.IsSuccess():
		return fmt.Errorf("feed: %s 失败 (%d): %s", op, code, resp.String())
	}
	return nil
}
