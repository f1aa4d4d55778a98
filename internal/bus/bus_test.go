package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type causal string

func (c causal) CausalityID() string { return string(c) }

func waitIdle(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestPerTopicOrdering(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 500; i++ {
		b.Publish("t", i)
	}
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 500)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	seen := 0
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		return errors.New("fail")
	})
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	b.Publish("t", 1)
	b.Publish("t", 2)
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen)
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	early := make(chan Event, 4)
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		early <- ev
		return nil
	})
	b.Publish("t", "first")
	waitIdle(t, b)

	late := make(chan Event, 4)
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		late <- ev
		return nil
	})
	b.Publish("t", "second")
	waitIdle(t, b)

	assert.Len(t, early, 2)
	require.Len(t, late, 1)
	assert.Equal(t, "second", (<-late).Payload)
}

func TestEnvelope(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	b.Publish("t", causal("sig-1"))
	waitIdle(t, b)

	ev := <-got
	assert.Equal(t, "t", ev.Topic)
	assert.Equal(t, "sig-1", ev.CausalityID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe("slow", func(ctx context.Context, ev Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("slow", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	close(release)
	waitIdle(t, b)
}

func TestCloseDrains(t *testing.T) {
	b := New()
	var mu sync.Mutex
	n := 0
	b.Subscribe("t", func(ctx context.Context, ev Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 20; i++ {
		b.Publish("t", i)
	}
	b.Close()

	mu.Lock()
	assert.Equal(t, 20, n)
	mu.Unlock()

	b.Publish("t", 99) // dropped, must not panic
}
