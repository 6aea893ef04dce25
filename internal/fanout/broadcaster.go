// Package fanout implements per-channel ordered broadcast to many long-lived
// subscribers under bounded memory. Each channel owns a fixed ring buffer;
// subscribers are independent cursors into it, so a slow consumer never slows
// the publisher — it is cut off with a lag signal instead.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BufferSize is the per-channel ring capacity. A subscriber that falls more
// than this many events behind is terminated as lagged.
const BufferSize = 256

// ErrNoSubscribers reports a publish that nobody was listening to. Callers
// treat it as informational; the write itself has already been persisted.
var ErrNoSubscribers = errors.New("fanout: no active subscribers")

// OutboundEvent is the unit of broadcast: a stored event with its assigned
// sequence.
type OutboundEvent struct {
	Sequence  int64           `json:"sequence"`
	ChannelID uuid.UUID       `json:"channel_id"`
	Event     json.RawMessage `json:"event"`
}

// LaggedError is the terminal signal handed to a subscriber whose cursor was
// overrun by the ring.
type LaggedError struct {
	Missed int64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("lagged by %d messages", e.Missed)
}

// Broadcaster fans events out to subscribers of one channel. Publish never
// blocks on subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	ring [BufferSize]OutboundEvent
	head int64 // total events ever published
	subs map[*Subscription]struct{}
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Publish appends the event to the ring and wakes all subscribers. The order
// of successful publishes is the order subscribers observe.
func (b *Broadcaster) Publish(ev OutboundEvent) error {
	b.mu.Lock()
	b.ring[b.head%BufferSize] = ev
	b.head++
	n := len(b.subs)
	for s := range b.subs {
		select {
		case s.notify <- struct{}{}:
		default:
			// already signalled; the subscriber will drain the cursor gap
		}
	}
	b.mu.Unlock()

	if n == 0 {
		return ErrNoSubscribers
	}
	return nil
}

// Subscribe attaches a new cursor positioned at the current head: the
// subscriber sees only events published after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{
		b:      b,
		cursor: b.head,
		notify: make(chan struct{}, 1),
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscription is an independent cursor into a Broadcaster's ring.
type Subscription struct {
	b      *Broadcaster
	cursor int64
	notify chan struct{}

	closeOnce sync.Once
}

// Recv returns the next event in publish order. It blocks until an event is
// available or ctx is done. When the ring has overrun the cursor it returns
// a *LaggedError; the subscription is finished at that point and must be
// closed.
func (s *Subscription) Recv(ctx context.Context) (OutboundEvent, error) {
	for {
		s.b.mu.Lock()
		if s.b.head-s.cursor > BufferSize {
			missed := s.b.head - BufferSize - s.cursor
			s.b.mu.Unlock()
			return OutboundEvent{}, &LaggedError{Missed: missed}
		}
		if s.cursor < s.b.head {
			ev := s.b.ring[s.cursor%BufferSize]
			s.cursor++
			s.b.mu.Unlock()
			return ev, nil
		}
		s.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return OutboundEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the cursor. Safe to call more than once and concurrently
// with Recv.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
	})
}
