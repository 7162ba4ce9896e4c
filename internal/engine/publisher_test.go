package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tokenex.com/internal/exchange"
)

func TestPublisher_CommittedEventsInOrder(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)
	seedTrade(t, eng)

	envs := collect(t, eng.Events(), 4, 2*time.Second)
	types := make([]exchange.EventType, 0, 4)
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq)
		types = append(types, env.Event.Type)
	}
	assert.Equal(t, []exchange.EventType{exchange.EvDeposit, exchange.EvDeposit, exchange.EvOrder, exchange.EvTrade}, types)
	assert.Equal(t, bob, envs[3].Event.User)
	assert.Equal(t, alice, envs[3].Event.Creator)
}

func TestPublisher_ResumesFromCursor(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t)
	submit(t, eng, deposit(tokenA, alice, 10))
	submit(t, eng, deposit(tokenA, alice, 10))
	collect(t, eng.Events(), 2, 2*time.Second)

	path := eng.JournalPath()
	require.Eventually(t, func() bool {
		st, err := os.Stat(path)
		return err == nil && loadCursor(cursorPath(h.dir)) == st.Size()
	}, 2*time.Second, 5*time.Millisecond)
	eng.Stop()

	eng2 := h.start(t)
	submit(t, eng2, deposit(tokenA, alice, 10))
	envs := collect(t, eng2.Events(), 1, 2*time.Second)
	assert.Equal(t, uint64(3), envs[0].Seq)
	assertNoEnvelope(t, eng2.Events(), 50*time.Millisecond)
}

func TestPublisher_CursorBeyondJournalRewinds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, storeCursor(cursorPath(h.dir), 1<<20))
	eng := h.start(t)

	submit(t, eng, deposit(tokenA, alice, 1))
	envs := collect(t, eng.Events(), 1, 2*time.Second)
	assert.Equal(t, uint64(1), envs[0].Seq)
}

// flakyBus 前 n 次发布失败
type flakyBus struct {
	mu    sync.Mutex
	fails int
	got   []Envelope
}

func (b *flakyBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fails > 0 {
		b.fails--
		return errors.New("broker down")
	}
	b.got = append(b.got, env)
	return nil
}

func (b *flakyBus) seqs() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, 0, len(b.got))
	for _, env := range b.got {
		out = append(out, env.Seq)
	}
	return out
}

func TestPublisher_RetriesFailedPublish(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(journalPath(dir), 0, nil)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, j.AppendEvent(seq, "", exchange.Event{Type: exchange.EvDeposit, Token: tokenA, User: alice}))
		require.NoError(t, j.AppendEnd(seq))
	}
	require.NoError(t, j.Close())

	bus := &flakyBus{fails: 2}
	pub := NewPublisher(bus, journalPath(dir), cursorPath(dir), nil, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(bus.seqs()) == 3 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []uint64{1, 2, 3}, bus.seqs())
}

func TestDispatcher_SinkFailuresIsolated(t *testing.T) {
	bus := NewChanBus(8)
	var mu sync.Mutex
	var got []uint64
	d := NewDispatcher(bus.C(),
		SinkFunc{N: "broken", Fn: func(context.Context, Envelope) error { return errors.New("boom") }},
		SinkFunc{N: "panicky", Fn: func(context.Context, Envelope) error { panic("sink panic") }},
	)
	d.Add(SinkFunc{N: "recorder", Fn: func(_ context.Context, env Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.Seq)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, bus.Publish(ctx, Envelope{Seq: 1}))
	require.True(t, bus.TryPublish(Envelope{Seq: 2}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 2*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestDispatcher_DrainDeliversBuffered(t *testing.T) {
	bus := NewChanBus(8)
	var got []uint64
	d := NewDispatcher(bus.C(), SinkFunc{N: "recorder", Fn: func(_ context.Context, env Envelope) error {
		got = append(got, env.Seq)
		return nil
	}})
	for seq := uint64(1); seq <= 3; seq++ {
		require.True(t, bus.TryPublish(Envelope{Seq: seq}))
	}
	assert.Equal(t, 3, d.Drain(context.Background()))
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.Equal(t, 0, d.Drain(context.Background()))
}

func TestChanBus_TryPublishDropsWhenFull(t *testing.T) {
	bus := NewChanBus(1)
	assert.True(t, bus.TryPublish(Envelope{Seq: 1}))
	assert.False(t, bus.TryPublish(Envelope{Seq: 2}))
	assert.Equal(t, uint64(1), bus.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, Envelope{Seq: 3}), context.Canceled)
}
