package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "IntentFlow/internal/errors"
)

// Invoker 执行对外部工具端点的一次调用。
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}

// HTTPInvoker 通过 HTTP POST 调用工具端点，请求与响应均为 JSON。
// 5xx 与 429 视为瞬时故障，可按步骤的重试策略重试；其余非 2xx 为致命故障。
type HTTPInvoker struct {
	httpClient *http.Client
}

// NewHTTPInvoker 创建 HTTP 调用器。
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{httpClient: &http.Client{Timeout: timeout}}
}

// Invoke 调用指定端点并解析 JSON 响应。
func (inv *HTTPInvoker) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具端点不能为空")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStepFatal, err, "构造工具请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStepTransient, err, "调用工具端点失败")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStepTransient, err, "读取工具响应失败")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := fmt.Sprintf("工具端点返回 %d: %s", resp.StatusCode, truncate(string(raw), 256))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, xerrors.New(xerrors.CodeStepTransient, message)
		}
		return nil, xerrors.New(xerrors.CodeStepFatal, message)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		// 非 JSON 响应原样透传。
		return map[string]any{"raw": string(raw)}, nil
	}
	return result, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

var _ Invoker = (*HTTPInvoker)(nil)
