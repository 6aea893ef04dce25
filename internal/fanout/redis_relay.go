package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Relay bridges the in-process hub across nodes using Redis Pub/Sub. Local
// subscribers get zero-latency delivery from the hub; peers receive the same
// event over Redis and inject it into their own hubs. Frames carry the
// publishing node's id so a node ignores its own echoes.
type Relay struct {
	hub     *Hub
	rdb     *redis.Client
	channel string
	nodeID  string
	log     *logrus.Entry
}

type relayFrame struct {
	Node  string        `json:"node"`
	Event OutboundEvent `json:"event"`
}

// NewRelay wraps the hub with a Redis bridge publishing on the given
// pub/sub channel.
func NewRelay(hub *Hub, rdb *redis.Client, channel string) *Relay {
	if channel == "" {
		channel = "openguild:events"
	}
	return &Relay{
		hub:     hub,
		rdb:     rdb,
		channel: channel,
		nodeID:  uuid.NewString(),
		log:     logrus.WithField("component", "fanout-relay"),
	}
}

// Publish delivers locally first, then best-effort to peers. A Redis outage
// degrades to single-node fan-out rather than failing the write.
func (r *Relay) Publish(ev OutboundEvent) error {
	localErr := r.hub.Publish(ev)

	payload, err := json.Marshal(relayFrame{Node: r.nodeID, Event: ev})
	if err != nil {
		return fmt.Errorf("fanout: marshal relay frame: %w", err)
	}
	if err := r.rdb.Publish(context.Background(), r.channel, payload).Err(); err != nil {
		r.log.WithError(err).Warn("redis publish failed, delivered locally only")
	}
	return localErr
}

// Run consumes peer events until ctx is cancelled. Malformed frames are
// dropped with a log line; they must not take the relay down.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.log.WithError(err).Warn("dropping malformed relay frame")
				continue
			}
			if frame.Node == r.nodeID {
				continue
			}
			// Peer events go straight to local subscribers; a publish
			// with nobody listening is not an error here.
			_ = r.hub.Publish(frame.Event)
		}
	}
}
