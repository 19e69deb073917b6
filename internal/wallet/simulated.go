package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Payment 记录模拟钱包的一次出账。
type Payment struct {
	Endpoint     string
	AmountAtomic string
	PaidAt       int64
}

// SimulatedWallet 在内存中记账, 供测试和本地开发使用。
type SimulatedWallet struct {
	mu       sync.Mutex
	network  string
	asset    string
	seq      uint64
	payments []Payment
}

var _ Wallet = (*SimulatedWallet)(nil)

// NewSimulatedWallet 返回不触网的模拟钱包。
func NewSimulatedWallet(network, asset string) *SimulatedWallet {
	return &SimulatedWallet{network: network, asset: asset}
}

// Pay 记录一笔支付并返回确定性的伪交易哈希。
func (w *SimulatedWallet) Pay(_ context.Context, endpoint string, amount *big.Int) (*Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("支付金额必须为正数")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	now := time.Now().Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", endpoint, amount.String(), w.seq)))
	w.payments = append(w.payments, Payment{
		Endpoint:     endpoint,
		AmountAtomic: amount.String(),
		PaidAt:       now,
	})

	return &Receipt{
		TxHash:       "0x" + hex.EncodeToString(sum[:]),
		Asset:        w.asset,
		Network:      w.network,
		AmountAtomic: amount.String(),
		PaidAt:       now,
	}, nil
}

// Close 对模拟钱包是空操作。
func (w *SimulatedWallet) Close() {}

// Payments 返回出账记录的副本。
func (w *SimulatedWallet) Payments() []Payment {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Payment, len(w.payments))
	copy(out, w.payments)
	return out
}
