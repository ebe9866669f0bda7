package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/metrics"
)

var log = logrus.WithField("component", "broadcast")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// 推送主题
const (
	TopicSnapshot = "snapshot"
	TopicOutcome  = "outcome"
	TopicBet      = "bet"
)

var allTopics = []string{TopicSnapshot, TopicOutcome, TopicBet}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 控制面只监听内网
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope 推给客户端的消息
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	TS   time.Time       `json:"ts"`
}

// subscribeMsg 客户端发来的订阅变更：{"action":"subscribe","topics":["bet"]}
type subscribeMsg struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

type message struct {
	topic string
	data  []byte
}

// Hub 把快照、评估结果、下单结果广播给所有 websocket 客户端。
// 客户端集合只在 Run 的 goroutine 中修改。
type Hub struct {
	clients    map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run 事件循环，ctx 取消后断开所有客户端并返回
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.setCount(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			log.WithField("clients", len(h.clients)).Info("客户端已连接")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(len(h.clients))
			log.WithField("clients", len(h.clients)).Info("客户端已断开")

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.subscribed(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					metrics.BroadcastDropped.Add(1)
					log.Warn("客户端发送缓冲已满，丢弃消息")
				}
			}
		}
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Publish 非阻塞；队列满或 hub 已停止时丢弃
func (h *Hub) Publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).WithField("topic", topic).Error("序列化推送消息失败")
		return
	}
	env, err := json.Marshal(Envelope{Type: topic, Data: data, TS: time.Now().UTC()})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{topic: topic, data: env}:
	case <-h.done:
	default:
		metrics.BroadcastDropped.Add(1)
	}
}

// OnOutcome 实现 strategy.OutcomeSink
func (h *Hub) OnOutcome(ctx context.Context, o domain.Outcome) {
	h.Publish(TopicOutcome, o)
}

// OnBet 实现 execution.BetSink
func (h *Hub) OnBet(ctx context.Context, strategy string, res domain.BetResult) {
	h.Publish(TopicBet, struct {
		Strategy string `json:"strategy"`
		domain.BetResult
	}{strategy, res})
}

// OnSnapshot 市场快照更新
func (h *Hub) OnSnapshot(snap domain.MarketSnapshot) {
	h.Publish(TopicSnapshot, snap)
}

// HandleWS GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket 升级失败")
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]bool, len(allTopics)),
	}
	for _, t := range allTopics {
		c.topics[t] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("连接异常关闭")
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(data, &sub) != nil {
			continue
		}
		c.mu.Lock()
		switch sub.Action {
		case "subscribe":
			for _, t := range sub.Topics {
				c.topics[t] = true
			}
		case "unsubscribe":
			for _, t := range sub.Topics {
				delete(c.topics, t)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
