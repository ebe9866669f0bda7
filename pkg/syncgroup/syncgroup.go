package syncgroup

import (
	"context"
	"sync"
)

// SyncGroup 跟踪后台 goroutine（会话监控、推送消费、广播循环），
// 关闭时在截止时间内等待它们退出
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]int)}
}

// Go 以 name 启动 fn，name 只用于 Running 诊断
func (g *SyncGroup) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer func() {
			g.mu.Lock()
			if g.running[name]--; g.running[name] <= 0 {
				delete(g.running, name)
			}
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
}

// Running 仍未退出的 goroutine 名称及数量
func (g *SyncGroup) Running() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.running))
	for k, v := range g.running {
		out[k] = v
	}
	return out
}

// Wait 等待全部退出；ctx 先结束时返回 ctx.Err()
func (g *SyncGroup) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
