package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/canopy-network/chainheights/app/admin/controller/types"
	chredis "github.com/canopy-network/chainheights/pkg/redis"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscriptions tracks the run kinds a client listens to. "*" matches every kind.
type subscriptions struct {
	kinds *xsync.Map[string, struct{}]
}

func newSubscriptions() *subscriptions {
	return &subscriptions{kinds: xsync.NewMap[string, struct{}]()}
}

func (s *subscriptions) Subscribe(kind string)   { s.kinds.Store(kind, struct{}{}) }
func (s *subscriptions) Unsubscribe(kind string) { s.kinds.Delete(kind) }

func (s *subscriptions) IsSubscribed(kind string) bool {
	if _, ok := s.kinds.Load("*"); ok {
		return true
	}
	_, ok := s.kinds.Load(kind)
	return ok
}

// HandleWebSocket upgrades the connection and relays run completion events.
//
// Client sends: {"action": "subscribe", "kind": "height"} or {"action": "subscribe", "kind": "*"}
// Server sends: {"type": "run.completed", "payload": {...}}, "subscribed", "unsubscribed", "info", "error"
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
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptions()
	send := make(chan types.WSServerMessage, 256)
	// producers write to send; the writer drains it and exits once it is closed
	var producers, writer sync.WaitGroup

	guard := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}
	guard(&producers, "redis", func() { c.subscribeToRedis(ctx, send, subs) })
	guard(&producers, "ping", func() { c.sendPings(ctx, conn) })
	guard(&writer, "writer", func() { c.writeMessages(conn, send) })

	// blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, subs, send)

	cancel()
	producers.Wait()
	close(send)
	writer.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// subscribeToRedis forwards completion events matching the client's
// subscriptions, resubscribing with backoff when Redis drops.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- types.WSServerMessage, subs *subscriptions) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := c.attemptRedisSubscription(ctx, send, subs, attempt)
		if ctx.Err() != nil {
			return
		}
		c.App.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, types.WSServerMessage{
			Type: "error",
			Payload: map[string]any{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) attemptRedisSubscription(ctx context.Context, send chan<- types.WSServerMessage, subs *subscriptions, attempt int) error {
	pubsub := c.App.RedisClient.PSubscribe(ctx, chredis.CompletedPattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	if !trySend(ctx, send, types.WSServerMessage{
		Type:    "info",
		Payload: map[string]any{"message": "Redis connection established", "attempt": attempt},
	}) {
		return ctx.Err()
	}
	return c.processRedisMessages(ctx, pubsub, send, subs)
}

func (c *Controller) processRedisMessages(ctx context.Context, pubsub *redis.PubSub, send chan<- types.WSServerMessage, subs *subscriptions) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			kind, ok := chredis.KindFromChannel(msg.Channel)
			if !ok {
				c.App.Logger.Warn("Unexpected event channel", zap.String("channel", msg.Channel))
				continue
			}
			if !subs.IsSubscribed(string(kind)) {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.App.Logger.Error("Failed to parse Redis message", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			if !trySend(ctx, send, types.WSServerMessage{Type: "run.completed", Payload: payload}) {
				return ctx.Err()
			}
		}
	}
}

func trySend(ctx context.Context, send chan<- types.WSServerMessage, msg types.WSServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// CalculateNextBackoff grows current by factor, capped at max, with +/- jitterFactor jitter.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	nextWithJitter := time.Duration(float64(next) + jitter)

	if nextWithJitter < current {
		nextWithJitter = current
	}
	if nextWithJitter > max {
		nextWithJitter = max
	}
	return nextWithJitter
}

// sendPings keeps the connection alive; pongs reset the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan types.WSServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *subscriptions, send chan<- types.WSServerMessage) {
	deadline := func() error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) }
	if err := deadline(); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error { return deadline() })

	for ctx.Err() == nil {
		var msg types.WSClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.App.Logger.Error("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := deadline(); err != nil {
			return
		}

		var reply types.WSServerMessage
		switch {
		case msg.Kind == "" && (msg.Action == "subscribe" || msg.Action == "unsubscribe"):
			reply = types.WSServerMessage{Type: "error", Payload: map[string]string{"message": "kind is required"}}
		case msg.Action == "subscribe":
			subs.Subscribe(msg.Kind)
			reply = types.WSServerMessage{Type: "subscribed", Payload: map[string]string{"kind": msg.Kind}}
		case msg.Action == "unsubscribe":
			subs.Unsubscribe(msg.Kind)
			reply = types.WSServerMessage{Type: "unsubscribed", Payload: map[string]string{"kind": msg.Kind}}
		default:
			reply = types.WSServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
