package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

func drain(t *testing.T, sub *Subscription) []domain.StatusEvent {
	t.Helper()
	var events []domain.StatusEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscription was not closed")
			return nil
		}
	}
}

func stages(events []domain.StatusEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

func TestBroker_SubscribeBeforePublishReceivesEverything(t *testing.T) {
	b := New(16, nil, zerolog.Nop())
	id := uuid.New()

	sub := b.Subscribe(id)
	b.Publish(id, domain.StageStarting, "starting")
	b.Publish(id, domain.StageRetrieval, "retrieved 10 candidates")
	b.PublishComplete(id, true, "")

	events := drain(t, sub)
	assert.Equal(t, []string{domain.StageStarting, domain.StageRetrieval, domain.StageCompleted}, stages(events))
	for _, ev := range events {
		assert.Equal(t, id, ev.ExecutionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Zero(t, b.SubscriberCount(id))
}

func TestBroker_PublishWithoutSubscribersIsDropped(t *testing.T) {
	b := New(4, nil, zerolog.Nop())
	id := uuid.New()

	b.Publish(id, domain.StageStarting, "nobody listening")
	b.PublishComplete(id, false, "boom")

	sub := b.Subscribe(id)
	b.Unsubscribe(sub)
	assert.Empty(t, drain(t, sub))
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	b := New(8, nil, zerolog.Nop())
	id := uuid.New()
	other := uuid.New()

	first := b.Subscribe(id)
	second := b.Subscribe(id)
	unrelated := b.Subscribe(other)
	assert.Equal(t, 2, b.SubscriberCount(id))

	b.Publish(id, domain.StageFilter, "filtering")
	b.PublishComplete(id, false, "source unavailable")

	for _, sub := range []*Subscription{first, second} {
		events := drain(t, sub)
		require.Len(t, events, 2)
		assert.Equal(t, domain.StageFailed, events[1].Stage)
		assert.Equal(t, "source unavailable", events[1].Message)
	}

	select {
	case ev := <-unrelated.Events():
		t.Fatalf("unexpected event for other execution: %+v", ev)
	default:
	}
	assert.Equal(t, 1, b.SubscriberCount(other))
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(8, nil, zerolog.Nop())
	id := uuid.New()

	sub := b.Subscribe(id)
	b.Publish(id, domain.StageDedup, "dedup")
	b.Unsubscribe(sub)

	assert.NotPanics(t, func() {
		b.Publish(id, domain.StageFilter, "after unsubscribe")
		b.Unsubscribe(sub)
		b.PublishComplete(id, true, "")
	})

	events := drain(t, sub)
	assert.Equal(t, []string{domain.StageDedup}, stages(events))
}

func TestBroker_SlowSubscriberDropsOldest(t *testing.T) {
	b := New(2, nil, zerolog.Nop())
	id := uuid.New()
	sub := b.Subscribe(id)

	b.Publish(id, "s1", "one")
	b.Publish(id, "s2", "two")
	b.Publish(id, "s3", "three")
	b.PublishComplete(id, true, "")

	events := drain(t, sub)
	assert.Equal(t, []string{"s3", domain.StageCompleted}, stages(events))
}

func TestBroker_DefaultBufferSize(t *testing.T) {
	b := New(0, nil, zerolog.Nop())
	sub := b.Subscribe(uuid.New())
	assert.Equal(t, DefaultBufferSize, cap(sub.ch))
}

func TestBroker_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(4, nil, zerolog.Nop())
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe(id)
			defer b.Unsubscribe(sub)
			for j := 0; j < 10; j++ {
				select {
				case <-sub.Events():
				default:
				}
			}
		}()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(id, domain.StageFilter, "progress")
			}
		}()
	}

	wg.Wait()
	b.PublishComplete(id, true, "")
	assert.Zero(t, b.SubscriberCount(id))
}
