// Package gateway runs the long-lived channel sockets: admission control,
// history replay, live fan-out delivery with send timeouts, and lag policy.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/monitoring"
	"github.com/openguild/openguild/internal/storage"
)

const (
	// DefaultMaxSessions is the admission semaphore capacity.
	DefaultMaxSessions = 256

	// sendTimeout bounds every write to a client; a peer that cannot
	// take a frame within it is closed.
	sendTimeout = 10 * time.Second

	// replayCount is how much history a fresh socket receives before
	// going live.
	replayCount = 50

	heartbeatInterval = 30 * time.Second
)

// Gateway upgrades channel sockets and runs their sessions.
type Gateway struct {
	store    storage.Store
	hub      *fanout.Hub
	permits  chan struct{}
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// New creates a gateway admitting at most maxSessions concurrent sockets.
func New(store storage.Store, hub *fanout.Hub, maxSessions int) *Gateway {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Gateway{
		store:   store,
		hub:     hub,
		permits: make(chan struct{}, maxSessions),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logrus.WithField("component", "gateway"),
	}
}

// Handle admits, upgrades and runs one socket session. The caller has
// already authenticated the request and confirmed the channel exists.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, channelID uuid.UUID) {
	select {
	case g.permits <- struct{}{}:
	default:
		monitoring.WebsocketRejections.Inc()
		http.Error(w, `{"error":"too_many_connections"}`, http.StatusTooManyRequests)
		return
	}
	// The permit is held for the whole session, whichever way it ends.
	defer func() { <-g.permits }()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Debug("upgrade failed")
		return
	}
	defer conn.Close()

	monitoring.WebsocketSessions.Inc()
	defer monitoring.WebsocketSessions.Dec()

	g.runSession(r.Context(), conn, channelID)
}

func (g *Gateway) runSession(ctx context.Context, conn *websocket.Conn, channelID uuid.UUID) {
	log := g.log.WithField("channel_id", channelID)

	// Replay recent history before going live.
	history, err := g.store.RecentEvents(ctx, channelID, nil, replayCount)
	if err != nil {
		log.WithError(err).Error("replay read failed")
		return
	}
	for _, ev := range history {
		if err := g.send(conn, fanout.OutboundEvent{
			Sequence:  ev.Sequence,
			ChannelID: ev.ChannelID,
			Event:     ev.Body,
		}); err != nil {
			log.WithError(err).Debug("replay send failed")
			return
		}
	}

	sub := g.hub.Subscribe(channelID)
	defer sub.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Read pump: the client never sends channel data over this socket.
	// Pings are answered by gorilla's default handler; a close or a
	// broken connection ends the session.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Broadcast pump: Recv blocks, so it gets its own goroutine and the
	// session loop selects over it.
	events := make(chan fanout.OutboundEvent)
	recvErrs := make(chan error, 1)
	go func() {
		for {
			ev, err := sub.Recv(sessionCtx)
			if err != nil {
				recvErrs <- err
				return
			}
			select {
			case events <- ev:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-sessionCtx.Done():
			return
		case ev := <-events:
			if err := g.send(conn, ev); err != nil {
				log.WithError(err).Debug("live send failed")
				return
			}
		case err := <-recvErrs:
			var lagged *fanout.LaggedError
			if errors.As(err, &lagged) {
				g.closeWith(conn, websocket.ClosePolicyViolation,
					fmt.Sprintf("lagged by %d messages", lagged.Missed))
				log.WithField("missed", lagged.Missed).Warn("subscriber lagged, dropping")
			}
			return
		case <-heartbeat.C:
			deadline := time.Now().Add(sendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) send(conn *websocket.Conn, ev fanout.OutboundEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(sendTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
