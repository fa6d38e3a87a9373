package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var nonceLog = logrus.WithField("component", "nonce_allocator")

// DefaultStaleness 缓存 nonce 的默认新鲜度窗口
const DefaultStaleness = 30 * time.Second

// Source 链上 nonce 查询能力。
// *ethclient.Client 直接满足该接口（PendingNonceAt）。
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// record 单地址的 nonce 缓存
type record struct {
	mu          sync.Mutex
	nextNonce   uint64
	initialized bool
	refreshedAt time.Time
}

// Allocator 按地址分配交易 nonce。
//
// 规则：
//   - 缓存新鲜（窗口内）时直接用缓存值
//   - 过期则向节点刷新，并取 max(cached, node)：并行进程可能已经推进了链上计数
//   - CommitNonce 在交易发出时乐观地把缓存推到 used+1，不等确认，
//     保证快速连发不会复用 nonce
//   - 节点查询失败原样上抛，绝不凭空造 nonce（伪造会导致替换/卡单风险）
//
// next_nonce 按地址单调不减。
type Allocator struct {
	source    Source
	staleness time.Duration

	mu      sync.Mutex
	records map[common.Address]*record
}

func NewAllocator(source Source, staleness time.Duration) *Allocator {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Allocator{
		source:    source,
		staleness: staleness,
		records:   make(map[common.Address]*record),
	}
}

func (a *Allocator) recordFor(addr common.Address) *record {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[addr]
	if !ok {
		r = &record{}
		a.records[addr] = r
	}
	return r
}

// GetNonce 返回地址下一个可用 nonce。
// GetNonce 本身不占用 nonce；并发提交方应使用 GetThenCommit，
// 常规用法是 GetNonce 拿到后立刻发交易并 CommitNonce。
func (a *Allocator) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	r := a.recordFor(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	return a.nonceLocked(ctx, addr, r)
}

func (a *Allocator) nonceLocked(ctx context.Context, addr common.Address, r *record) (uint64, error) {
	if r.initialized && time.Since(r.refreshedAt) < a.staleness {
		return r.nextNonce, nil
	}

	onChain, err := a.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, errors.Wrapf(err, "refresh nonce for %s", addr.Hex())
	}
	// 取 max：本地乐观推进的值可能领先节点，回退会导致复用
	if !r.initialized || onChain > r.nextNonce {
		r.nextNonce = onChain
	}
	r.initialized = true
	r.refreshedAt = time.Now()
	nonceLog.Debugf("nonce 已刷新: addr=%s next=%d", addr.Hex(), r.nextNonce)
	return r.nextNonce, nil
}

// CommitNonce 交易已发出（不等确认），乐观推进缓存到 used+1。
// 已经领先的缓存不回退。
func (a *Allocator) CommitNonce(addr common.Address, used uint64) {
	r := a.recordFor(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized || used+1 > r.nextNonce {
		r.nextNonce = used + 1
		r.initialized = true
	}
}

// GetThenCommit 原子地"取出并占用"一个 nonce：
// 持锁期间完成 get + commit，N 个并发调用方拿到 N 个互不相同的值。
func (a *Allocator) GetThenCommit(ctx context.Context, addr common.Address) (uint64, error) {
	r := a.recordFor(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := a.nonceLocked(ctx, addr, r)
	if err != nil {
		return 0, err
	}
	r.nextNonce = n + 1
	return n, nil
}
