package feed

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/metrics"
	"github.com/betbot/dutchbet/internal/snapshot"
	"github.com/betbot/dutchbet/pkg/sdk/stream"
)

var log = logrus.WithField("component", "feed")

// marketStatusClosed 已结算的市场从缓存中移除
const marketStatusClosed = "CLOSED"

// Source 推送更新来源（stream.Client）
type Source interface {
	Updates() <-chan stream.Update
}

// Feed 把推送增量合并进盘口缓存，生成快照写入 snapshot.Store 并通知处理器
type Feed struct {
	src      Source
	cache    *stream.MarketCache
	store    *snapshot.Store
	handlers *HandlerList
	done     chan struct{}
}

func New(src Source, store *snapshot.Store) *Feed {
	return &Feed{
		src:      src,
		cache:    stream.NewMarketCache(),
		store:    store,
		handlers: NewHandlerList(),
		done:     make(chan struct{}),
	}
}

// OnSnapshot 注册快照处理器，须在 Run 之前调用
func (f *Feed) OnSnapshot(h SnapshotHandler) {
	f.handlers.Add(h)
}

// Cache 盘口缓存（只读使用）
func (f *Feed) Cache() *stream.MarketCache {
	return f.cache
}

// Done Run 返回后关闭
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Run 消费更新直到 ctx 取消或更新通道关闭
func (f *Feed) Run(ctx context.Context) {
	defer close(f.done)
	updates := f.src.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				log.Info("推送更新通道已关闭")
				return
			}
			f.apply(u)
		}
	}
}

func (f *Feed) apply(u stream.Update) {
	metrics.StreamUpdates.Add(1)
	for _, id := range f.cache.Apply(u) {
		view, ok := f.cache.Market(id)
		if !ok {
			continue
		}
		if view.Status == marketStatusClosed {
			f.cache.Remove(id)
			log.WithField("market", id).Info("市场已关闭，移出缓存")
			continue
		}
		snap := snapshot.FromMarketState(view)
		f.store.Put(snap)
		metrics.SnapshotRefreshes.Add(1)
		log.WithFields(logrus.Fields{
			"market":  id,
			"runners": len(snap.Runners),
			"ct":      u.Ct,
		}).Debug("快照已更新")
		f.handlers.Emit(snap)
	}
}
