package feed

import (
	"sync"

	"github.com/betbot/dutchbet/internal/domain"
)

// SnapshotHandler 市场快照更新回调
type SnapshotHandler interface {
	OnSnapshot(snap domain.MarketSnapshot)
}

// SnapshotHandlerFunc 函数适配
type SnapshotHandlerFunc func(snap domain.MarketSnapshot)

func (f SnapshotHandlerFunc) OnSnapshot(snap domain.MarketSnapshot) { f(snap) }

// HandlerList 处理器列表
type HandlerList struct {
	handlers []SnapshotHandler
	mu       sync.RWMutex
}

func NewHandlerList() *HandlerList {
	return &HandlerList{}
}

func (h *HandlerList) Add(handler SnapshotHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Snapshot 返回处理器拷贝，遍历时不持锁
func (h *HandlerList) Snapshot() []SnapshotHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SnapshotHandler, len(h.handlers))
	copy(out, h.handlers)
	return out
}

// Emit 串行触发所有处理器；单个处理器 panic 不影响其他处理器
func (h *HandlerList) Emit(snap domain.MarketSnapshot) {
	for i, handler := range h.Snapshot() {
		if handler == nil {
			continue
		}
		func(idx int, hd SnapshotHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("快照处理器 %d panic: %v", idx, r)
				}
			}()
			hd.OnSnapshot(snap)
		}(i, handler)
	}
}

func (h *HandlerList) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
