// Package wallet 负责为 tool_call 步骤执行链上支付。
// 钱包只在预算预留成功之后被调用：支付失败会释放预留,
// 绝不会出现已支付但未入账的花费。
package wallet

import (
	"context"
	"math/big"
)

// Receipt 是一次支付的凭证。
type Receipt struct {
	TxHash       string `json:"tx_hash"`
	Asset        string `json:"asset"`
	Network      string `json:"network"`
	AmountAtomic string `json:"amount_atomic"`
	PaidAt       int64  `json:"paid_at"`
}

// Wallet 抽象对外部工具端点的支付能力。amount 为原子单位。
type Wallet interface {
	Pay(ctx context.Context, endpoint string, amount *big.Int) (*Receipt, error)
	Close()
}
