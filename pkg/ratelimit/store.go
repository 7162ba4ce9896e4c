package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"tokenex.com/pkg/safe"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// Store 按 key（账户或 IP）各自一个令牌桶，闲置超过 ttl 的由 janitor 回收
type Store struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		buckets: make(map[string]*bucket, 1024),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
	}
}

func (s *Store) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(s.rate, s.burst)}
		s.buckets[key] = b
	}
	s.mu.Unlock()
	b.lastSeen.Store(now)
	return b.lim
}

// Allow 不阻塞，没令牌直接返回 false
func (s *Store) Allow(key string) bool {
	return s.get(key).Allow()
}

// Len 当前跟踪的 key 数
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// SetLimit 热更新，已有的桶一起改
func (s *Store) SetLimit(r rate.Limit, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate, s.burst = r, burst
	for _, b := range s.buckets {
		b.lim.SetLimit(r)
		b.lim.SetBurst(burst)
	}
}

func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.sweep(time.Now())
			}
		}
	})
}

// sweep 删掉 now-ttl 之前就没再访问的桶，返回删掉的个数
func (s *Store) sweep(now time.Time) int {
	cut := now.Add(-s.ttl).UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.buckets {
		if b.lastSeen.Load() < cut {
			delete(s.buckets, k)
			n++
		}
	}
	return n
}
