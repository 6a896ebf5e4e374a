package ledger

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/wrenholt/rookery/internal/models"
)

func newTestLedger() *Ledger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegister_Duplicate(t *testing.T) {
	l := newTestLedger()

	if err := l.Register("alpha", 64, models.NodeKindRemote); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := l.Register("alpha", 64, models.NodeKindRemote)
	if !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestRegister_Invalid(t *testing.T) {
	l := newTestLedger()

	if err := l.Register("", 64, models.NodeKindRemote); err == nil {
		t.Error("expected error for empty id")
	}
	if err := l.Register("neg", -1, models.NodeKindRemote); err == nil {
		t.Error("expected error for negative capacity")
	}
}

func TestReserveRelease_Basic(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("alpha", 100, models.NodeKindRemote); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !l.Reserve("alpha", 60) {
		t.Fatal("expected reserve of 60/100 to succeed")
	}
	if l.Reserve("alpha", 50) {
		t.Fatal("expected reserve of 50 with 40 free to fail")
	}

	total, committed, ok := l.CapacityOf("alpha")
	if !ok || total != 100 || committed != 60 {
		t.Fatalf("CapacityOf = (%v, %v, %v), want (100, 60, true)", total, committed, ok)
	}

	if err := l.Release("alpha", 60); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !l.Reserve("alpha", 50) {
		t.Fatal("expected reserve of 50 after release to succeed")
	}
}

func TestReserve_UnknownOrNonPositive(t *testing.T) {
	l := newTestLedger()

	if l.Reserve("ghost", 10) {
		t.Error("reserve against unknown node should fail")
	}

	if err := l.Register("alpha", 100, models.NodeKindRemote); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if l.Reserve("alpha", 0) {
		t.Error("reserve of zero should fail")
	}
	if l.Reserve("alpha", -5) {
		t.Error("reserve of negative amount should fail")
	}
}

func TestRelease_UnknownNode(t *testing.T) {
	l := newTestLedger()
	if err := l.Release("ghost", 10); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func TestRelease_OverReleaseFloorsAtZero(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("alpha", 100, models.NodeKindRemote); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !l.Reserve("alpha", 30) {
		t.Fatal("reserve failed")
	}

	err := l.Release("alpha", 50)
	if !errors.Is(err, ErrOverRelease) {
		t.Fatalf("expected ErrOverRelease, got %v", err)
	}

	_, committed, _ := l.CapacityOf("alpha")
	if committed != 0 {
		t.Errorf("committed = %v after over-release, want 0", committed)
	}
}

func TestDeregister(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("alpha", 100, models.NodeKindPurchased); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := l.Deregister("alpha"); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}
	if l.Has("alpha") {
		t.Error("node still present after deregister")
	}
	if err := l.Deregister("alpha"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

// TestInvariant_RandomisedOps drives one node through a long random
// reserve/release sequence and checks committed stays within [0, total]
// and equal to the sum of outstanding grants after every operation.
func TestInvariant_RandomisedOps(t *testing.T) {
	l := newTestLedger()
	const total = 1000.0
	if err := l.Register("alpha", total, models.NodeKindRemote); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	var outstanding []float64
	var sum float64

	for i := 0; i < 10000; i++ {
		if rng.Intn(2) == 0 || len(outstanding) == 0 {
			amount := float64(rng.Intn(400) + 1)
			if l.Reserve("alpha", amount) {
				outstanding = append(outstanding, amount)
				sum += amount
				if sum > total {
					t.Fatalf("op %d: reserve of %v granted beyond total (sum %v)", i, amount, sum)
				}
			} else if sum+amount <= total {
				t.Fatalf("op %d: reserve of %v declined with %v free", i, amount, total-sum)
			}
		} else {
			j := rng.Intn(len(outstanding))
			amount := outstanding[j]
			outstanding = append(outstanding[:j], outstanding[j+1:]...)
			sum -= amount
			if err := l.Release("alpha", amount); err != nil {
				t.Fatalf("op %d: release of granted %v failed: %v", i, amount, err)
			}
		}

		_, committed, ok := l.CapacityOf("alpha")
		if !ok {
			t.Fatal("node disappeared")
		}
		if committed < 0 || committed > total {
			t.Fatalf("op %d: committed %v outside [0, %v]", i, committed, total)
		}
		if committed != sum {
			t.Fatalf("op %d: committed %v != outstanding sum %v", i, committed, sum)
		}
	}
}

// TestReserve_AtomicUnderContention launches concurrent reservations
// whose sum exceeds capacity and checks exactly the fitting subset wins.
func TestReserve_AtomicUnderContention(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("alpha", 100, models.NodeKindRemote); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	const attempts = 10
	const amount = 30.0

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve("alpha", amount) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 3 * 30 = 90 fits in 100; a fourth grant would break the invariant.
	if granted != 3 {
		t.Errorf("granted = %d, want exactly 3", granted)
	}
	_, committed, _ := l.CapacityOf("alpha")
	if committed != 90 {
		t.Errorf("committed = %v, want 90", committed)
	}
}

func TestSnapshot_SortedByID(t *testing.T) {
	l := newTestLedger()
	for _, id := range []string{"bravo", "alpha", "charlie"} {
		if err := l.Register(id, 32, models.NodeKindRemote); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}
	l.Reserve("bravo", 8)

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(snap))
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, cap := range snap {
		if cap.ID != want[i] {
			t.Errorf("snapshot[%d].ID = %s, want %s", i, cap.ID, want[i])
		}
	}
	if snap[1].Free() != 24 {
		t.Errorf("bravo free = %v, want 24", snap[1].Free())
	}
}
