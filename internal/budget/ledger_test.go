package budget

import (
	stdErrors "errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	xerrors "IntentFlow/internal/errors"
)

func newTestLedger(t *testing.T, max int64) *Ledger {
	t.Helper()
	ledger, err := NewLedger("USDC", "base", big.NewInt(max), nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestReserveCommitRelease(t *testing.T) {
	ledger := newTestLedger(t, 5_000_000)

	if err := ledger.Reserve("s1", big.NewInt(1_000_000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := ledger.Remaining(); got.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("remaining after reserve: %s", got)
	}
	if err := ledger.Commit("s1", big.NewInt(800_000)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := ledger.Spent(); got.Cmp(big.NewInt(800_000)) != 0 {
		t.Fatalf("spent after commit: %s", got)
	}

	if err := ledger.Reserve("s2", big.NewInt(2_000_000)); err != nil {
		t.Fatalf("reserve s2: %v", err)
	}
	ledger.Release("s2")
	if got := ledger.Remaining(); got.Cmp(big.NewInt(4_200_000)) != 0 {
		t.Fatalf("remaining after release: %s", got)
	}
	// 对不存在的预留再次释放是空操作。
	ledger.Release("s2")
}

func TestReserveRejectsCeilingBreach(t *testing.T) {
	ledger := newTestLedger(t, 1_000_000)

	if err := ledger.Reserve("s1", big.NewInt(600_000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := ledger.Reserve("s2", big.NewInt(500_000))
	if !stdErrors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected BudgetExceeded, got %v", err)
	}
	// 拒绝的预留不能改变账本状态。
	if got := ledger.Spent(); got.Sign() != 0 {
		t.Fatalf("spent changed by rejected reserve: %s", got)
	}
	if got := ledger.Remaining(); got.Cmp(big.NewInt(400_000)) != 0 {
		t.Fatalf("remaining changed by rejected reserve: %s", got)
	}
}

func TestCommitRequiresReservation(t *testing.T) {
	ledger := newTestLedger(t, 1_000_000)
	if err := ledger.Commit("ghost", big.NewInt(1)); !stdErrors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}

	if err := ledger.Reserve("s1", big.NewInt(100)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Commit("s1", big.NewInt(200)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument when actual exceeds reservation, got %v", err)
	}
}

func TestSpentNeverExceedsMaxUnderConcurrency(t *testing.T) {
	max := big.NewInt(1_000)
	ledger, err := NewLedger("USDC", "base", max, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			stepID := fmt.Sprintf("step-%d", n)
			if err := ledger.Reserve(stepID, big.NewInt(100)); err != nil {
				return
			}
			_ = ledger.Commit(stepID, big.NewInt(100))
		}(i)
	}
	wg.Wait()

	if ledger.Spent().Cmp(max) > 0 {
		t.Fatalf("spent %s exceeded max %s", ledger.Spent(), max)
	}
	if ledger.Spent().Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected exactly 10 winners, spent %s", ledger.Spent())
	}
}

func TestNewLedgerValidation(t *testing.T) {
	if _, err := NewLedger("USDC", "base", big.NewInt(-1), nil); err == nil {
		t.Fatalf("expected error for negative max")
	}
	if _, err := NewLedger("USDC", "base", big.NewInt(10), big.NewInt(20)); err == nil {
		t.Fatalf("expected error when spent exceeds max")
	}
	ledger, err := NewLedger("USDC", "base", big.NewInt(10), big.NewInt(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ledger.Remaining(); got.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("unexpected remaining: %s", got)
	}
}
