package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var addr = common.HexToAddress("0x00000000000000000000000000000000000000a1")

// fakeSource 可控的链上 nonce 源
type fakeSource struct {
	mu    sync.Mutex
	nonce uint64
	err   error
	calls int
}

func (f *fakeSource) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.nonce, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestGetNonce_CachesWithinStalenessWindow(t *testing.T) {
	src := &fakeSource{nonce: 7}
	a := NewAllocator(src, time.Minute)

	for i := 0; i < 5; i++ {
		n, err := a.GetNonce(context.Background(), addr)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if n != 7 {
			t.Fatalf("nonce = %d, want 7", n)
		}
	}
	if src.callCount() != 1 {
		t.Fatalf("node queried %d times, want 1（窗口内走缓存）", src.callCount())
	}
}

func TestGetNonce_RefreshTakesMaxOfCachedAndNode(t *testing.T) {
	src := &fakeSource{nonce: 3}
	a := NewAllocator(src, time.Nanosecond) // 每次都过期

	if _, err := a.GetNonce(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	// 本地已经乐观推进到 10：节点报 3 也不能回退
	a.CommitNonce(addr, 9)
	time.Sleep(time.Millisecond)

	n, err := a.GetNonce(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("nonce = %d, want 10 (max(cached, node))", n)
	}

	// 节点领先时采用节点值
	src.mu.Lock()
	src.nonce = 42
	src.mu.Unlock()
	time.Sleep(time.Millisecond)
	n, err = a.GetNonce(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("nonce = %d, want 42", n)
	}
}

func TestGetNonce_NodeErrorPropagates(t *testing.T) {
	src := &fakeSource{err: errors.New("rpc down")}
	a := NewAllocator(src, time.Minute)

	if _, err := a.GetNonce(context.Background(), addr); err == nil {
		t.Fatal("expected error, got nil（绝不伪造 nonce）")
	}
}

func TestCommitNonce_MonotonicPerAddress(t *testing.T) {
	src := &fakeSource{nonce: 5}
	a := NewAllocator(src, time.Minute)

	if _, err := a.GetNonce(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	a.CommitNonce(addr, 5)
	a.CommitNonce(addr, 4) // 迟到的低值：不回退

	n, err := a.GetNonce(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Fatalf("nonce = %d, want 6", n)
	}
}

// N 个并发 GetThenCommit 拿到 N 个互不相同的 nonce
func TestGetThenCommit_NoDuplicatesUnderConcurrency(t *testing.T) {
	src := &fakeSource{nonce: 100}
	a := NewAllocator(src, time.Minute)

	const n = 64
	results := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.GetThenCommit(context.Background(), addr)
			if err != nil {
				t.Errorf("unexpected err: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for v := range results {
		if seen[v] {
			t.Fatalf("duplicate nonce allocated: %d", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("allocated %d distinct nonces, want %d", len(seen), n)
	}
}
