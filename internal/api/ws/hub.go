package ws

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tokenex.com/internal/engine"
	"tokenex.com/pkg/logger"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{} // topic -> set(conn)
	last map[string][]byte             // public topic -> last payload
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Conn]struct{}, 64),
		last: make(map[string][]byte, 4),
	}
}

// Subscribe 返回规范化后的 topic、不认识的 topic 和无权订阅的 topic。
// account topic 只有握手时认证为该账户的连接能订阅。
func (h *Hub) Subscribe(c *Conn, topics []string) (ok, bad, denied []string) {
	h.mu.Lock()
	var snaps [][]byte
	for _, raw := range topics {
		t, valid := normalizeTopic(raw)
		if !valid {
			bad = append(bad, raw)
			continue
		}
		if !isPublic(t) && (c.account == (common.Address{}) || t != AccountTopic(c.account)) {
			denied = append(denied, t)
			continue
		}
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		set[c] = struct{}{}
		ok = append(ok, t)
		// 同一把锁里取快照，避免订阅后立刻 publish 却漏掉
		if b := h.last[t]; b != nil {
			snaps = append(snaps, b)
		}
	}
	h.mu.Unlock()

	for _, b := range snaps {
		c.Offer(b)
	}
	return ok, bad, denied
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, raw := range topics {
		t, valid := normalizeTopic(raw)
		if !valid {
			continue
		}
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, m := range h.subs {
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Publish 对每个 conn 都是非阻塞 Offer，慢客户端不会卡住广播
func (h *Hub) Publish(topic string, payload []byte) {
	h.mu.Lock()
	if isPublic(topic) {
		h.last[topic] = payload
	}
	set := make([]*Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		set = append(set, c)
	}
	h.mu.Unlock()

	for _, c := range set {
		c.Offer(payload)
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) Name() string { return "ws" }

// Consume 每个 topic 一条消息，topic 字段不同所以分别编码
func (h *Hub) Consume(ctx context.Context, env engine.Envelope) error {
	ev := env.Event
	for _, topic := range TopicsFor(ev) {
		b, err := json.Marshal(ServerMsg{Type: "event", Topic: topic, Seq: env.Seq, Event: &ev})
		if err != nil {
			logger.Warn(ctx, "ws encode failed", zap.Uint64("seq", env.Seq), zap.Error(err))
			return err
		}
		h.Publish(topic, b)
	}
	return nil
}

var _ engine.Sink = (*Hub)(nil)
