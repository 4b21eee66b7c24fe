package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// sseConn writes messages as Server-Sent Events. Writes stop once Close has
// returned, because the ResponseWriter is invalid after the handler exits.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *sseConn) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionGone
	}

	if msg.Event != nil {
		if _, err := fmt.Fprintf(c.w, "id: %d\n", msg.Event.GlobalID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) comment(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionGone
	}
	if _, err := fmt.Fprintf(c.w, ": %s\n\n", text); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// ServeSSE streams events as Server-Sent Events:
//
//	GET /stream?application=42[&levels=error,critical]
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	req, ok := g.authorizeHTTP(w, r, TransportSSE)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &sseConn{w: w, flusher: flusher, done: make(chan struct{})}
	sub, err := g.Open(req, TransportSSE, conn)
	if err != nil {
		_ = conn.Send(r.Context(), &Message{Type: MessageError, Error: err.Error()})
		_ = conn.Close()
		return
	}
	defer g.Close(sub.ConnectionID, conn)

	if err := conn.Send(r.Context(), WelcomeMessage(sub)); err != nil {
		return
	}

	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.comment("ping"); err != nil {
				return
			}
		}
	}
}
