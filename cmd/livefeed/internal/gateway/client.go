// Package gateway adapts raw websocket connections to hub clients.
package gateway

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/hub"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/protocol"
)

const (
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Router receives decoded client commands.
type Router interface {
	HandleCommand(client hub.ClientInterface, req protocol.WSRequest)
	Unregister(client hub.ClientInterface)
}

type Timeouts struct {
	Write time.Duration
	Pong  time.Duration
	Ping  time.Duration // must be shorter than Pong
}

var DefaultTimeouts = Timeouts{Write: 5 * time.Second, Pong: 60 * time.Second, Ping: 50 * time.Second}

type ClientAdapter struct {
	id     string
	conn   net.Conn
	router Router
	logger *zap.Logger
	t      Timeouts

	send  chan []byte
	pongs chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(conn net.Conn, router Router, t Timeouts, logger *zap.Logger) *ClientAdapter {
	id := uuid.NewString()
	return &ClientAdapter{
		id:     id,
		conn:   conn,
		router: router,
		logger: logger.With(zap.String("client_id", id), zap.String("remote", conn.RemoteAddr().String())),
		t:      t,
		send:   make(chan []byte, sendBuffer),
		pongs:  make(chan []byte, 1),
	}
}

func (c *ClientAdapter) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.id }

// Close stops the write pump, which closes the connection.
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	c.SendBytes(b)
}

func (c *ClientAdapter) SendBytes(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// Drop message if buffer full (Backpressure)
		c.logger.Warn("Dropping message for slow client", zap.Int("size", len(b)))
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.router.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.t.Pong))
	rd := &wsutil.Reader{Source: c.conn, State: ws.StateServerSide, CheckUTF8: true}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}

		switch {
		case hdr.OpCode == ws.OpClose:
			return
		case hdr.OpCode == ws.OpPing:
			payload, err := io.ReadAll(rd)
			if err != nil {
				return
			}
			select {
			case c.pongs <- payload:
			default:
			}
			continue
		case hdr.OpCode == ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.t.Pong))
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		case hdr.OpCode != ws.OpText:
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		payload, err := io.ReadAll(io.LimitReader(rd, maxMessageSize+1))
		if err != nil {
			return
		}
		if len(payload) > maxMessageSize {
			c.logger.Warn("Msg too big", zap.Int("size", len(payload)))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.t.Pong))

		var req protocol.WSRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, Message: "Invalid JSON"})
			continue
		}
		normalize(&req)
		c.router.HandleCommand(c, req)
	}
}

func normalize(req *protocol.WSRequest) {
	for i, s := range req.Payload.Scopes {
		req.Payload.Scopes[i] = strings.TrimSpace(s)
	}
	req.Payload.Scope = strings.TrimSpace(req.Payload.Scope)
	req.Payload.Subject = strings.ToUpper(strings.TrimSpace(req.Payload.Subject))
	req.Payload.Window = strings.TrimSpace(req.Payload.Window)
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.t.Ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.t.Write))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case payload := <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(c.t.Write))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.t.Write))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
