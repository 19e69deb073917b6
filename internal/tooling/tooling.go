// Package tooling 管理可供工作流调用的外部工具目录。
// 目录是规划阶段的输入：规划器只允许引用目录中存在的工具,
// 定价提示用于在执行前估算步骤花费。
package tooling

import "context"

// Endpoint 描述工具暴露的一个可调用端点。
type Endpoint struct {
	Path        string `json:"path" yaml:"path"`
	Method      string `json:"method" yaml:"method"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PricingHint 提示一个端点的单次调用价格，金额为原子单位的十进制字符串。
type PricingHint struct {
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Asset        string `json:"asset" yaml:"asset"`
	AmountAtomic string `json:"amount_atomic" yaml:"amountAtomic"`
}

// Tool 是目录中的一个外部工具。
type Tool struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	BaseURL      string        `json:"base_url" yaml:"baseUrl"`
	Endpoints    []Endpoint    `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	PricingHints []PricingHint `json:"pricing_hints,omitempty" yaml:"pricingHints,omitempty"`
}

// Catalog 抽象工具目录的读取。
type Catalog interface {
	List(ctx context.Context, workspaceID string) ([]Tool, error)
	Get(ctx context.Context, workspaceID, toolID string) (*Tool, error)
}
