package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_PublishFanOutsToAllSubscribers(t *testing.T) {
	b := NewBus(nil)
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: TypeGoalStarted, Data: map[string]any{"goal": "x"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeGoalStarted, ev.Type)
			assert.NotZero(t, ev.Seq)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_DeliversInEmissionOrder(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(16)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeToolStarted, Data: map[string]any{"i": i}})
	}

	var lastSeq uint64
	for i := 0; i < 10; i++ {
		ev := <-ch
		assert.Greater(t, ev.Seq, lastSeq, "events must arrive in emission order")
		lastSeq = ev.Seq
	}
}

func TestBus_DropsOldestOnOverflow(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(2)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeToolStarted, Data: map[string]any{"i": i}})
	}

	// The buffer holds only the newest 2; the oldest 3 were evicted.
	first := <-ch
	second := <-ch
	assert.Equal(t, 3, first.Data["i"])
	assert.Equal(t, 4, second.Data["i"])
}

func TestBus_OverflowEmitsConsumerLag(t *testing.T) {
	b := NewBus(nil)
	lagCh, unsubLag := b.Subscribe(16)
	defer unsubLag()
	dropCh, unsubDrop := b.Subscribe(1)
	defer unsubDrop()

	for i := 0; i < 4; i++ {
		b.Publish(Event{Type: TypeToolStarted, Data: map[string]any{"i": i}})
	}
	// Drain the lossy subscriber so the bus isn't holding the lock
	// when it reports lag asynchronously.
	<-dropCh

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-lagCh:
			if ev.Type == TypeConsumerLag {
				assert.NotZero(t, ev.Data["dropped"])
				return
			}
		case <-deadline:
			t.Fatal("no ConsumerLag event observed")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(4)
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBus_ConcurrentPublishersDoNotRace(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(256)
	defer unsub()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.Publish(Event{Type: TypeToolCompleted, Data: map[string]any{"p": p, "i": i}})
			}
		}(p)
	}
	wg.Wait()

	got := 0
	for {
		select {
		case <-ch:
			got++
		case <-time.After(50 * time.Millisecond):
			require.LessOrEqual(t, got, 256)
			return
		}
	}
}
