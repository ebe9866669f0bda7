package snapshot

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/cache"
	"github.com/betbot/dutchbet/pkg/sdk/api"
)

var log = logrus.WithField("component", "snapshot")

// DefaultMaxAge 推送快照超过这个时间没更新就回退到 REST
const DefaultMaxAge = 5 * time.Second

// BookFetcher REST 行情（api.Client）
type BookFetcher interface {
	ListMarketBook(ctx context.Context, marketIDs ...string) ([]api.MarketBook, error)
}

// Store 保存推送侧最新快照，按写入时间判断新鲜度
type Store struct {
	c *cache.InMemoryCache[string, domain.MarketSnapshot]
}

// NewStore ttl 之后快照自动失效
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{c: cache.NewInMemoryCache[string, domain.MarketSnapshot](ttl)}
}

func (s *Store) Put(snap domain.MarketSnapshot) {
	s.c.Set(snap.MarketID, snap, 0)
}

// Get 返回快照以及写入至今的时长
func (s *Store) Get(marketID string) (domain.MarketSnapshot, time.Duration, bool) {
	return s.c.GetWithAge(marketID)
}

func (s *Store) MarketIDs() []string {
	return s.c.Keys()
}

func (s *Store) Close() {
	s.c.Stop()
}

// Provider 优先使用足够新的推送快照，否则走 REST
type Provider struct {
	rest   BookFetcher
	live   *Store
	maxAge time.Duration
	now    func() time.Time
}

// NewProvider live 可以为 nil（只用 REST）
func NewProvider(rest BookFetcher, live *Store, maxAge time.Duration) *Provider {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Provider{rest: rest, live: live, maxAge: maxAge, now: time.Now}
}

// Snapshot 获取市场快照。只有 REST 请求本身失败（重试耗尽）才返回错误；
// 市场不存在或没有 ACTIVE runner 时返回空快照。
func (p *Provider) Snapshot(ctx context.Context, marketID string) (domain.MarketSnapshot, error) {
	if snap, ok := p.Live(marketID); ok {
		return snap, nil
	}
	return p.Fetch(ctx, marketID)
}

// Live 只查推送快照
func (p *Provider) Live(marketID string) (domain.MarketSnapshot, bool) {
	if p.live == nil {
		return domain.MarketSnapshot{}, false
	}
	snap, age, ok := p.live.Get(marketID)
	if !ok || age > p.maxAge || snap.IsEmpty() {
		return domain.MarketSnapshot{}, false
	}
	return snap, true
}

// Fetch 强制走 REST（下单前复核价格用）
func (p *Provider) Fetch(ctx context.Context, marketID string) (domain.MarketSnapshot, error) {
	books, err := p.rest.ListMarketBook(ctx, marketID)
	if err != nil {
		log.WithField("market", marketID).Warnf("获取盘口失败: %v", err)
		return domain.MarketSnapshot{}, err
	}
	return FromMarketBooks(marketID, books, p.now()), nil
}
