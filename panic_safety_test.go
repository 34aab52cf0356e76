package envelopefs

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func parallelTestConfig() ParallelConfig {
	return ParallelConfig{Enabled: true, MaxWorkers: 4, MinBlocksForParallel: 2, BatchBlocks: 8}
}

// TestParallelPanicRecovery tests that a panicking block worker is reported
// as an error instead of crashing the process
func TestParallelPanicRecovery(t *testing.T) {
	err := parallelTestConfig().forEachBlock(16, func(i int) error {
		if i == 7 {
			panic("simulated failure in block 7")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected error from panicking worker, got nil")
	}
	if !strings.Contains(err.Error(), "panic in block worker") || !strings.Contains(err.Error(), "block 7") {
		t.Errorf("unexpected error message: %v", err)
	}
}

// TestParallelNoPanic tests that every block is visited exactly once
func TestParallelNoPanic(t *testing.T) {
	const n = 100
	var mu sync.Mutex
	seen := make(map[int]int)
	var calls int32

	err := parallelTestConfig().forEachBlock(n, func(i int) error {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		seen[i]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("forEachBlock failed: %v", err)
	}
	if calls != n {
		t.Errorf("fn called %d times, want %d", calls, n)
	}
	for i := 0; i < n; i++ {
		if seen[i] != 1 {
			t.Errorf("block %d visited %d times", i, seen[i])
		}
	}
}

// TestParallelErrorPropagation tests that a worker error is returned
func TestParallelErrorPropagation(t *testing.T) {
	sentinel := errors.New("block failed")
	err := parallelTestConfig().forEachBlock(32, func(i int) error {
		if i%10 == 3 {
			return sentinel
		}
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("forEachBlock() error = %v, want %v", err, sentinel)
	}
}

// TestSequentialBelowThreshold tests that small or disabled runs keep block
// order and stop at the first error
func TestSequentialBelowThreshold(t *testing.T) {
	configs := map[string]ParallelConfig{
		"disabled":        {Enabled: false},
		"below threshold": {Enabled: true, MaxWorkers: 4, MinBlocksForParallel: 100},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			var order []int
			sentinel := errors.New("stop")
			err := cfg.forEachBlock(10, func(i int) error {
				order = append(order, i)
				if i == 5 {
					return sentinel
				}
				return nil
			})
			if !errors.Is(err, sentinel) {
				t.Fatalf("forEachBlock() error = %v, want %v", err, sentinel)
			}
			if len(order) != 6 {
				t.Fatalf("visited %v, want blocks 0 through 5", order)
			}
			for i, v := range order {
				if v != i {
					t.Errorf("visit %d was block %d", i, v)
				}
			}
		})
	}

	if err := parallelTestConfig().forEachBlock(0, func(int) error {
		t.Error("fn called for an empty range")
		return nil
	}); err != nil {
		t.Errorf("empty range error = %v", err)
	}
}

// TestParallelStreamMatchesSequential tests that parallel and sequential
// decoding of the same ciphertext agree
func TestParallelStreamMatchesSequential(t *testing.T) {
	key := randomData(70, ContentKeySize)
	h := NewFileEncryptionHeader(CipherAES256GCM, testBlockSize, KeyModePerUser, "parallel-file", key)
	data := randomData(71, 37*testBlockSize+5)

	par, err := NewBlockCipherStream(h, key, parallelTestConfig())
	if err != nil {
		t.Fatalf("NewBlockCipherStream failed: %v", err)
	}
	seq, err := NewBlockCipherStream(h, key, ParallelConfig{})
	if err != nil {
		t.Fatalf("NewBlockCipherStream failed: %v", err)
	}

	ct := encode(t, par, data)
	for name, s := range map[string]*BlockCipherStream{"parallel": par, "sequential": seq} {
		r, err := s.NewReader(bytes.NewReader(ct), int64(len(ct)))
		if err != nil {
			t.Fatalf("%s: NewReader failed: %v", name, err)
		}
		got := make([]byte, len(data))
		if _, err := r.ReadAt(got, 0); err != nil {
			t.Fatalf("%s: ReadAt failed: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s decode does not match the plaintext", name)
		}
	}
}
