package execution

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateInFlight 同一市场已有方案在执行（或仍在 TTL 窗口内）。
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight execution")

// InFlightDeduper 按市场做短窗口去重，防止同一市场的两次评估同时下单。
// 分片 map + 惰性过期清理；不使用概率结构，不会误判。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
	now    func() time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper ttl 需覆盖一次完整方案执行（含重试）的时间。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards, now: time.Now}
}

// TryAcquire 成功返回 nil，key 已被占用返回 ErrDuplicateInFlight。
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

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

// Release 执行结束后释放 key。
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}
