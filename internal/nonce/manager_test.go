package nonce

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testAccount = common.HexToAddress("0x66aB6D9362d4F35596279692F0251Db635165871")

func TestSeedTakesMaxOfChainAndLedger(t *testing.T) {
	m := NewManager(testAccount)
	ledgerMax := uint64(11)
	m.Seed(7, &ledgerMax)
	if got := m.Next(); got != 12 {
		t.Fatalf("期望 next=12, 实际 %d", got)
	}

	m2 := NewManager(testAccount)
	ledgerMax2 := uint64(3)
	m2.Seed(9, &ledgerMax2)
	if got := m2.Next(); got != 9 {
		t.Fatalf("期望 next=9, 实际 %d", got)
	}

	m3 := NewManager(testAccount)
	m3.Seed(5, nil)
	if got := m3.Next(); got != 5 {
		t.Fatalf("期望 next=5, 实际 %d", got)
	}
}

func TestReserveNextIsMonotonic(t *testing.T) {
	m := NewManager(testAccount)
	m.Seed(100, nil)
	for want := uint64(100); want < 105; want++ {
		if got := m.ReserveNext(); got != want {
			t.Fatalf("期望分配 %d, 实际 %d", want, got)
		}
	}
}

func TestReleaseHighestReturnsToPool(t *testing.T) {
	m := NewManager(testAccount)
	m.Seed(0, nil)
	n := m.ReserveNext()
	if !m.Release(n) {
		t.Fatal("最高预留应归还可用池")
	}
	if got := m.ReserveNext(); got != n {
		t.Fatalf("归还后应重新分配 %d, 实际 %d", n, got)
	}
}

func TestReleaseLowerIsBurned(t *testing.T) {
	m := NewManager(testAccount)
	m.Seed(0, nil)
	a := m.ReserveNext()
	_ = m.ReserveNext()
	if m.Release(a) {
		t.Fatal("非最高预留不应归还")
	}
	if got := m.Burned(); got != 1 {
		t.Fatalf("期望作废计数 1, 实际 %d", got)
	}
	// 作废的值永远不会再被分配。
	if got := m.ReserveNext(); got == a {
		t.Fatalf("作废的 nonce %d 被重新分配", a)
	}
}

func TestReleaseUnknownNonceIsNoop(t *testing.T) {
	m := NewManager(testAccount)
	m.Seed(10, nil)
	if m.Release(3) {
		t.Fatal("未预留的 nonce 不应归还")
	}
	if got := m.Next(); got != 10 {
		t.Fatalf("计数器不应变化, 实际 %d", got)
	}
}

func TestReconcileOnlyMovesForward(t *testing.T) {
	m := NewManager(testAccount)
	m.Seed(20, nil)
	m.Reconcile(5)
	if got := m.Next(); got != 20 {
		t.Fatalf("向后对齐不应生效, 实际 %d", got)
	}
	m.Reconcile(33)
	if got := m.Next(); got != 33 {
		t.Fatalf("期望 next=33, 实际 %d", got)
	}
}

func TestConcurrentReservationsAreUnique(t *testing.T) {
	m := NewManager(testAccount)
	m.Seed(0, nil)

	const workers = 32
	out := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- m.ReserveNext()
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[uint64]bool, workers)
	for n := range out {
		if seen[n] {
			t.Fatalf("nonce %d 被重复分配", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("期望 %d 个不同 nonce, 实际 %d", workers, len(seen))
	}
}
