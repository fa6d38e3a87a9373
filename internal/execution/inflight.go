package execution

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateInFlight 表示同类操作仍在 in-flight（或在 TTL 窗口内）。
// 连接器用它挡住两类重复 IO：同一 client_order_id 的重复提交/撤单，
// 以及上一轮还没跑完就又被触发的轮询任务。
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight")

// OpKind 标识被去重的操作类别。不同类别互不冲突：
// 同一订单可以同时有 submit 和 cancel 在途。
type OpKind string

const (
	OpSubmit OpKind = "submit"
	OpCancel OpKind = "cancel"
	// OpPoll 是全局轮询门，id 传空串即可。
	OpPoll OpKind = "poll"
)

// opKey 是 (类别, 订单 id) 组合键。轮询这类全局操作 id 为空。
type opKey struct {
	kind OpKind
	id   string
}

// InFlightDeduper 提供"短时间窗口内的确定性去重"。
//
// 交易系统里误判的代价高（漏下单、漏撤单），因此不用概率型结构，
// 直接分片 map + 短 TTL，清理惰性进行。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[opKey]time.Time // key -> expiresAt
}

// NewInFlightDeduper 创建去重器。
// ttl 取一次"请求发出到交易所确认"的典型窗口，下单场景建议 2s~10s。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[opKey]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards}
}

// TryAcquire 尝试获取 (kind, id) 的 in-flight 令牌。
// 成功返回 nil，失败返回 ErrDuplicateInFlight。
func (d *InFlightDeduper) TryAcquire(kind OpKind, id string) error {
	if d == nil || kind == "" {
		return nil
	}
	key := opKey{kind: kind, id: id}
	now := time.Now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理：仅在访问时清理本 shard 的过期项
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateInFlight
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放 (kind, id)。请求已确定失败或完成时调用，
// 让同一操作不必等 TTL 到期就能再次进入。
func (d *InFlightDeduper) Release(kind OpKind, id string) {
	if d == nil || kind == "" {
		return
	}
	key := opKey{kind: kind, id: id}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key opKey) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.id))
	idx := int(h.Sum32()) % len(d.shards)
	return &d.shards[idx]
}
