package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuemby/lookout/pkg/types"
	"github.com/gorilla/websocket"
)

// Client is a websocket subscriber used by the CLI and tests
type Client struct {
	ws      *websocket.Conn
	Welcome *Message
}

// WebSocketURL builds the subscription URL from an HTTP base address
func WebSocketURL(base string, appID int64, levels []types.Level) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := url.Values{}
	q.Set("application", strconv.FormatInt(appID, 10))
	if len(levels) > 0 {
		q.Set("levels", strings.Join(levelNames(levels), ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to a websocket endpoint and waits for the welcome message
func Dial(ctx context.Context, rawURL string, header http.Header) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", rawURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Client{ws: ws}
	msg, err := c.Next()
	if err != nil {
		ws.Close()
		return nil, err
	}
	if msg.Type != MessageWelcome {
		ws.Close()
		return nil, fmt.Errorf("expected welcome, got %s: %s", msg.Type, msg.Error)
	}
	c.Welcome = msg
	return c, nil
}

// Next blocks for the next message from the server
func (c *Client) Next() (*Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetFilter asks the server to replace this connection's filter
func (c *Client) SetFilter(levels []types.Level) error {
	return c.ws.WriteJSON(&Message{Type: MessageFilter, Levels: levels})
}

// Close closes the connection
func (c *Client) Close() error {
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}
