package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数，应在 ctx 截止前返回
type Handler func(ctx context.Context) error

type entry struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序串行执行：后启动的组件先关闭（先停推送和服务，再关存储）。
type Manager struct {
	mu        sync.Mutex
	callbacks []entry
	once      sync.Once
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, entry{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞，只执行一次）。
// ctx 超时后剩余回调仍会被调用，但拿到的是已取消的 ctx。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		callbacks := make([]entry, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		if len(callbacks) == 0 {
			log.Info("没有注册的关闭回调")
			return
		}
		log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			if err := m.run(ctx, cb); err != nil {
				log.WithError(err).WithField("name", cb.name).Warn("关闭回调失败")
				continue
			}
			log.WithField("name", cb.name).Debug("已关闭")
		}
		if err := ctx.Err(); err != nil {
			log.Warnf("关闭超时: %v", err)
			return
		}
		log.Info("所有关闭回调已完成")
	})
}

func (m *Manager) run(ctx context.Context, cb entry) error {
	done := make(chan error, 1)
	go func() { done <- cb.fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
