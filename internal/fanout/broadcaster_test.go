package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(channelID uuid.UUID, seq int64) OutboundEvent {
	return OutboundEvent{Sequence: seq, ChannelID: channelID, Event: json.RawMessage(`{}`)}
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	hub := NewHub()
	channelID := uuid.New()
	sub := hub.Subscribe(channelID)
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, hub.Publish(ev(channelID, i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := int64(1); i <= 5; i++ {
		got, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got.Sequence)
	}
}

func TestSubscribeStartsAtHead(t *testing.T) {
	hub := NewHub()
	channelID := uuid.New()
	_ = hub.Publish(ev(channelID, 1))

	sub := hub.Subscribe(channelID)
	defer sub.Close()
	_ = hub.Publish(ev(channelID, 2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Sequence, "events before subscribe are not replayed")
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	err := hub.Publish(ev(uuid.New(), 1))
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestStalledSubscriberLags(t *testing.T) {
	hub := NewHub()
	channelID := uuid.New()
	sub := hub.Subscribe(channelID)
	defer sub.Close()

	// One more than the ring holds, with no drain in between.
	for i := int64(1); i <= BufferSize+1; i++ {
		require.NoError(t, hub.Publish(ev(channelID, i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.GreaterOrEqual(t, lagged.Missed, int64(1))
	assert.Contains(t, err.Error(), "lagged by")
}

func TestExactlyAtBufferBoundaryDoesNotLag(t *testing.T) {
	hub := NewHub()
	channelID := uuid.New()
	sub := hub.Subscribe(channelID)
	defer sub.Close()

	for i := int64(1); i <= BufferSize; i++ {
		require.NoError(t, hub.Publish(ev(channelID, i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := int64(1); i <= BufferSize; i++ {
		got, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got.Sequence)
	}
}

func TestRecvBlocksUntilPublish(t *testing.T) {
	hub := NewHub()
	channelID := uuid.New()
	sub := hub.Subscribe(channelID)
	defer sub.Close()

	done := make(chan OutboundEvent, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err := sub.Recv(ctx)
		if err == nil {
			done <- got
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, hub.Publish(ev(channelID, 7)))

	got, ok := <-done
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Sequence)
}

func TestRecvHonoursContextCancel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(uuid.New())
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentPublishersAndSubscribers(t *testing.T) {
	hub := NewHub()
	channelID := uuid.New()

	const subscribers = 4
	const publishers = 4
	const perPublisher = 20

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = hub.Subscribe(channelID)
	}

	var wg sync.WaitGroup
	results := make([][]int64, subscribers)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			defer sub.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for len(results[i]) < publishers*perPublisher {
				got, err := sub.Recv(ctx)
				if err != nil {
					t.Errorf("subscriber %d: %v", i, err)
					return
				}
				results[i] = append(results[i], got.Sequence)
			}
		}(i, sub)
	}

	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for n := 0; n < perPublisher; n++ {
				_ = hub.Publish(ev(channelID, int64(p*perPublisher+n)))
			}
		}(p)
	}
	wg.Wait()

	// Every subscriber observed every event exactly once, in the same
	// global order.
	for i := 1; i < subscribers; i++ {
		assert.Equal(t, results[0], results[i])
	}
	seen := make(map[int64]int)
	for _, seq := range results[0] {
		seen[seq]++
	}
	assert.Len(t, seen, publishers*perPublisher)
	for seq, count := range seen {
		assert.Equal(t, 1, count, "sequence %d delivered %d times", seq, count)
	}
}

func TestHubIsolatesChannels(t *testing.T) {
	hub := NewHub()
	a, b := uuid.New(), uuid.New()
	subA := hub.Subscribe(a)
	defer subA.Close()
	subB := hub.Subscribe(b)
	defer subB.Close()

	require.NoError(t, hub.Publish(ev(a, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := subB.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "channel b must not see channel a's events")
}
