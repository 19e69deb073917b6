package llm

import "context"

// Request 描述一次文本生成调用。规划器会分别构造系统提示与用户提示。
type Request struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage 记录一次调用消耗的 token 数。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response 是文本生成调用的结果。调用失败以 error 形式返回，不存在部分结果。
type Response struct {
	Text      string
	Usage     Usage
	LatencyMs int64
}

// Client 定义了调用文本生成服务的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
