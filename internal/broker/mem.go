package broker

import (
	"context"
	"sync"
)

// MemBroker 进程内 fanout，单机和测试用
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	// at-most-once：慢订阅者直接丢
	for _, ch := range b.subs[msg.Topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, 4096)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch, nil
}

// unsubscribe 先摘掉再 close，避免往已关闭的 chan 写
func (b *MemBroker) unsubscribe(ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	found := false
	for t, list := range b.subs {
		kept := list[:0]
		for _, c := range list {
			if c == ch {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = kept
		}
	}
	if found {
		close(ch)
	}
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	seen := map[chan Message]bool{}
	for _, list := range b.subs {
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				close(c)
			}
		}
	}
	b.subs = map[string][]chan Message{}
	return nil
}
