package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	poiredis "github.com/graphops/poiwatch/pkg/redis"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to specific origins once the dashboard domain is fixed
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action     string `json:"action"`     // "subscribe" or "unsubscribe"
	Deployment string `json:"deployment"` // deployment ID, or "*" for all
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "investigation.opened", "investigation.finished", "subscribed", "unsubscribed", "ping", "error"
	Payload interface{} `json:"payload"`
}

// clientSubscriptions tracks which deployments a client wants events for.
type clientSubscriptions struct {
	mu          sync.RWMutex
	deployments map[string]bool
}

func newClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{deployments: make(map[string]bool)}
}

func (cs *clientSubscriptions) subscribe(deployment string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.deployments[deployment] = true
}

func (cs *clientSubscriptions) unsubscribe(deployment string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.deployments, deployment)
}

func (cs *clientSubscriptions) isSubscribed(deployment string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.deployments["*"] {
		return true
	}
	return cs.deployments[deployment]
}

// HandleWebSocket upgrades the connection and streams investigation lifecycle
// events from Redis Pub/Sub.
//
// Protocol:
// Client sends: {"action": "subscribe", "deployment": "Qm..."} or "*"
// Server sends: {"type": "investigation.opened", "payload": {...}},
// matching "investigation.finished", subscription acks, and periodic pings.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newClientSubscriptions()
	send := make(chan ServerMessage, 256)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.forwardRedisEvents(ctx, send, subs)
	}()
	go func() {
		defer wg.Done()
		// A dead writer means a dead connection; stop the other goroutines.
		defer cancel()
		c.writeMessages(ctx, conn, send)
	}()

	// Blocks until the client disconnects.
	c.readClientMessages(ctx, conn, cancel, subs, send)

	cancel()
	wg.Wait()
	close(send)

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// forwardRedisEvents relays matching Pub/Sub events into the send channel.
// The subscription is re-established with backoff when Redis drops.
func (c *Controller) forwardRedisEvents(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		pubsub := c.App.RedisClient.Subscribe(ctx, poiredis.InvestigationsChannel)
		ch := pubsub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				backoff = time.Second

				var event poiredis.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.App.Logger.Warn("Malformed investigation event", zap.Error(err))
					continue
				}
				if !subs.isSubscribed(event.Deployment) {
					continue
				}
				select {
				case send <- ServerMessage{Type: event.Type, Payload: event}:
				default:
					// Slow consumer; drop rather than block the relay.
				}
			}
		}
		_ = pubsub.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// writeMessages serializes outgoing messages and periodic pings onto the
// connection. The writer owns the connection's write side.
func (c *Controller) writeMessages(ctx context.Context, conn *websocket.Conn, send <-chan ServerMessage) {
	pings := time.NewTicker(30 * time.Second)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			ping := ServerMessage{Type: "ping", Payload: map[string]int64{"timestamp": time.Now().Unix()}}
			if err := conn.WriteJSON(ping); err != nil {
				return
			}
		}
	}
}

// readClientMessages processes subscribe/unsubscribe requests until the
// client goes away.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *clientSubscriptions, send chan<- ServerMessage) {
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			cancel()
			return
		}
		if msg.Deployment == "" {
			msg.Deployment = "*"
		}

		switch msg.Action {
		case "subscribe":
			subs.subscribe(msg.Deployment)
			c.sendAck(ctx, send, "subscribed", msg.Deployment)
		case "unsubscribe":
			subs.unsubscribe(msg.Deployment)
			c.sendAck(ctx, send, "unsubscribed", msg.Deployment)
		default:
			c.sendAck(ctx, send, "error", "unknown action: "+msg.Action)
		}
	}
}

func (c *Controller) sendAck(ctx context.Context, send chan<- ServerMessage, msgType, detail string) {
	select {
	case <-ctx.Done():
	case send <- ServerMessage{Type: msgType, Payload: map[string]string{"detail": detail}}:
	}
}
