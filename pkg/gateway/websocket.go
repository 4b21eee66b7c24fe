package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/types"
	"github.com/gorilla/websocket"
)

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionGone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionGone
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

func (g *Gateway) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(g.cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(g.cfg.AllowedOrigins))
		for _, o := range g.cfg.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return u
}

// ServeWS accepts a websocket subscription:
//
//	GET /ws?application=42[&levels=error,critical]
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	req, ok := g.authorizeHTTP(w, r, TransportWebSocket)
	if !ok {
		return
	}

	ws, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := &wsConn{ws: ws, writeTimeout: g.cfg.WriteTimeout}
	sub, err := g.Open(req, TransportWebSocket, conn)
	if err != nil {
		_ = conn.Send(context.Background(), &Message{Type: MessageError, Error: err.Error()})
		_ = conn.Close()
		return
	}
	defer g.Close(sub.ConnectionID, conn)

	if err := conn.Send(r.Context(), WelcomeMessage(sub)); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go g.keepAlive(ctx, conn)

	readTimeout := 2 * g.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug().Err(err).Str("connection_id", sub.ConnectionID).Msg("websocket read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		g.handleClientMessage(ctx, sub.ConnectionID, conn, data)
	}
}

func (g *Gateway) keepAlive(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleClientMessage(ctx context.Context, connID string, conn Conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = conn.Send(ctx, &Message{Type: MessageError, Error: "malformed message"})
		return
	}

	switch msg.Type {
	case MessageFilter:
		levels, err := types.ParseLevelSet(levelNames(msg.Levels))
		if err != nil {
			_ = conn.Send(ctx, &Message{Type: MessageError, Error: err.Error()})
			return
		}
		if err := g.hub.SetFilter(connID, levels); err != nil {
			_ = conn.Send(ctx, &Message{Type: MessageError, Error: err.Error()})
			return
		}
		_ = conn.Send(ctx, &Message{Type: MessageFilter, ConnectionID: connID, Levels: levels.Slice()})
	default:
		_ = conn.Send(ctx, &Message{Type: MessageError, Error: "unsupported message type " + msg.Type})
	}
}
