package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/stream"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is one websocket message in either direction.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// wsConn is one stream consumer connection. Each connection carries at most
// one hub subscription; resubscribing replaces it.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	id  string
	seq int64

	mu  sync.Mutex
	sub *stream.Subscription
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": rpcError(CodeUnavailable, "stream hub unavailable"),
		})
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		id:     uuid.NewString(),
	}
	go c.writeLoop()
	c.readLoop()
	c.close()
}

func (c *wsConn) close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		c.server.opts.Hub.Unsubscribe(sub.ID())
	}

	close(c.done)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", rpcError(CodeInvalidRequest, "frame is not valid JSON"))
			continue
		}
		if frame.Type == "" {
			frame.Type = "req"
		}
		if frame.Type != "req" {
			c.sendError(frame.ID, rpcError(CodeInvalidRequest, fmt.Sprintf("unsupported frame type %q", frame.Type)))
			continue
		}

		switch frame.Method {
		case stream.MethodSubscribe:
			c.handleSubscribe(frame)
		case stream.MethodUnsubscribe:
			c.handleUnsubscribe(frame)
		case stream.MethodPing:
			c.sendEvent(stream.EventPong, stream.PongPayload{
				SchemaVersion: audit.SchemaVersion,
				Timestamp:     time.Now().UnixMilli(),
			})
			c.sendResponse(frame.ID, true, nil, nil)
		default:
			c.sendError(frame.ID, rpcError(CodeInvalidRequest, fmt.Sprintf("unknown method %q", frame.Method)))
		}
	}
}

func (c *wsConn) handleSubscribe(frame wsFrame) {
	var params stream.SubscribeParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, rpcError(CodeInvalidRequest, err.Error()))
			return
		}
	}

	sub, err := c.server.opts.Hub.Subscribe(params)
	if err != nil {
		c.sendError(frame.ID, rpcError(CodeInvalidRequest, err.Error()))
		return
	}

	c.mu.Lock()
	previous := c.sub
	c.sub = sub
	c.mu.Unlock()
	if previous != nil {
		c.server.opts.Hub.Unsubscribe(previous.ID())
	}

	c.sendResponse(frame.ID, true, map[string]any{"subscriptionId": sub.ID()}, nil)
	go c.pump(sub)
}

func (c *wsConn) handleUnsubscribe(frame wsFrame) {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		c.server.opts.Hub.Unsubscribe(sub.ID())
	}
	c.sendResponse(frame.ID, true, nil, nil)
}

// pump forwards hub envelopes to the socket until the subscription or the
// connection closes.
func (c *wsConn) pump(sub *stream.Subscription) {
	for {
		select {
		case <-c.done:
			return
		case env, ok := <-sub.Out():
			if !ok {
				return
			}
			c.sendEvent(env.Event, env.Payload)
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, rpcErr *RPCError) {
	c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: rpcErr})
}

func (c *wsConn) sendEvent(event string, payload any) {
	seq := atomic.AddInt64(&c.seq, 1)
	c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *wsConn) sendError(id string, rpcErr *RPCError) {
	c.sendResponse(id, false, nil, rpcErr)
}

func (c *wsConn) enqueue(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil || len(data) > wsMaxPayloadBytes {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Send buffer full. The hub's own backpressure reports drops; a
		// stalled socket just loses this frame.
	}
}
