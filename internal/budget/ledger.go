package budget

import (
	"math/big"
	"sync"

	xerrors "IntentFlow/internal/errors"
)

var (
	// ErrBudgetExceeded 表示预留金额会突破预算上限。
	ErrBudgetExceeded = xerrors.New(xerrors.CodeBudgetExceeded, "")
	// ErrNotReserved 表示指定步骤没有在途预留。
	ErrNotReserved = xerrors.New(xerrors.CodeNotFound, "step has no outstanding reservation")
)

// Budget 是运行预算的可序列化快照。金额以十进制字符串表示原子单位。
type Budget struct {
	Asset          string `json:"asset"`
	Network        string `json:"network"`
	MaxAtomic      string `json:"max_atomic"`
	SpentAtomic    string `json:"spent_atomic"`
	ReservedAtomic string `json:"reserved_atomic"`
}

// Ledger 跟踪一次运行的花费。上限在创建后不可变，花费只增不减，
// 任何时刻 已花费 + 在途预留 不超过上限。全部运算基于 big.Int，
// 绝不使用浮点，避免原子单位货币出现舍入漂移。
type Ledger struct {
	mu       sync.Mutex
	asset    string
	network  string
	max      *big.Int
	spent    *big.Int
	reserved map[string]*big.Int
}

// NewLedger 创建账本。maxAtomic 必须为非负整数；spentAtomic 为 nil 时视为零
// （恢复已有运行时传入持久化的已花费金额）。
func NewLedger(asset, network string, maxAtomic, spentAtomic *big.Int) (*Ledger, error) {
	if maxAtomic == nil || maxAtomic.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预算上限必须是非负整数")
	}
	spent := new(big.Int)
	if spentAtomic != nil {
		if spentAtomic.Sign() < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "已花费金额不能为负")
		}
		if spentAtomic.Cmp(maxAtomic) > 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "已花费金额超过预算上限")
		}
		spent.Set(spentAtomic)
	}
	return &Ledger{
		asset:    asset,
		network:  network,
		max:      new(big.Int).Set(maxAtomic),
		spent:    spent,
		reserved: make(map[string]*big.Int),
	}, nil
}

// Reserve 为步骤预留金额。若投影花费会突破上限则返回 ErrBudgetExceeded，
// 且账本状态不发生任何变化。同一步骤重复预留会返回冲突。
func (l *Ledger) Reserve(stepID string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须是非负整数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reserved[stepID]; ok {
		return xerrors.New(xerrors.CodeConflict, "step already holds a reservation")
	}

	projected := new(big.Int).Set(l.spent)
	for _, r := range l.reserved {
		projected.Add(projected, r)
	}
	projected.Add(projected, amount)
	if projected.Cmp(l.max) > 0 {
		return ErrBudgetExceeded
	}
	l.reserved[stepID] = new(big.Int).Set(amount)
	return nil
}

// Commit 将步骤的预留转为实际花费。actual 不得超过预留金额，
// 这保证了已花费永远不会越过上限。
func (l *Ledger) Commit(stepID string, actual *big.Int) error {
	if actual == nil || actual.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "实际花费必须是非负整数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved, ok := l.reserved[stepID]
	if !ok {
		return ErrNotReserved
	}
	if actual.Cmp(reserved) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "实际花费超过预留金额")
	}
	delete(l.reserved, stepID)
	l.spent.Add(l.spent, actual)
	return nil
}

// Release 撤销步骤的预留。对不存在的预留调用是无害的空操作，
// 方便取消路径上的回滚逻辑无条件执行。
func (l *Ledger) Release(stepID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, stepID)
}

// Spent 返回已花费金额的副本。
func (l *Ledger) Spent() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.spent)
}

// Max 返回预算上限的副本。
func (l *Ledger) Max() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.max)
}

// Remaining 返回扣除已花费与在途预留后的可用余额。
func (l *Ledger) Remaining() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := new(big.Int).Sub(l.max, l.spent)
	for _, r := range l.reserved {
		remaining.Sub(remaining, r)
	}
	return remaining
}

// Snapshot 返回预算的可序列化快照。
func (l *Ledger) Snapshot() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	reserved := new(big.Int)
	for _, r := range l.reserved {
		reserved.Add(reserved, r)
	}
	return Budget{
		Asset:          l.asset,
		Network:        l.network,
		MaxAtomic:      l.max.String(),
		SpentAtomic:    l.spent.String(),
		ReservedAtomic: reserved.String(),
	}
}

// ParseAtomic 将十进制字符串解析为原子单位金额。
func ParseAtomic(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须是非负十进制整数")
	}
	return amount, nil
}
