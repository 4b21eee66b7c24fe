package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport names recorded on subscribers
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
	TransportGRPC      = "grpc"
)

// Config tunes the real-time endpoints
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	UserHeader     string
	Activity       *activity.Broker // optional
}

// Gateway accepts real-time client connections, runs the handshake checks
// and translates connection open/close into hub lifecycle calls.
type Gateway struct {
	hub      *hub.Hub
	table    *Table
	authz    auth.Authorizer
	identity auth.Identity
	cfg      Config
	logger   zerolog.Logger
}

// New creates a gateway. table must be the Pusher the hub was built with.
func New(h *hub.Hub, table *Table, authz auth.Authorizer, cfg Config) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		hub:      h,
		table:    table,
		authz:    authz,
		identity: auth.Identity{Header: cfg.UserHeader},
		cfg:      cfg,
		logger:   log.WithComponent("gateway"),
	}
}

// Hub returns the hub connections are registered with
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// Table returns the live connection table
func (g *Gateway) Table() *Table {
	return g.table
}

// Request is a validated connection handshake
type Request struct {
	ApplicationID int64
	UserID        string
	Levels        types.LevelSet // nil keeps the accept-all default
}

// Authorize validates a handshake before any connection state is created.
// The returned error wraps hub.ErrInvalidApplication, ErrInvalidLevels,
// auth.ErrUnauthenticated or auth.ErrForbidden.
func (g *Gateway) Authorize(ctx context.Context, appRaw, userID string, levelNames []string) (*Request, error) {
	appID, err := hub.ParseApplicationID(appRaw)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, auth.ErrUnauthenticated
	}
	if err := auth.Check(ctx, g.authz, userID, appID); err != nil {
		return nil, err
	}

	req := &Request{ApplicationID: appID, UserID: userID}
	if len(levelNames) > 0 {
		levels, err := types.ParseLevelSet(levelNames)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLevels, err)
		}
		req.Levels = levels
	}
	return req, nil
}

// ErrInvalidLevels is returned for a handshake naming an unknown level
var ErrInvalidLevels = errors.New("invalid levels")

// authorizeHTTP runs Authorize for an HTTP handshake and writes the refusal
func (g *Gateway) authorizeHTTP(w http.ResponseWriter, r *http.Request, transport string) (*Request, bool) {
	q := r.URL.Query()
	userID, _ := g.identity.UserID(r)

	req, err := g.Authorize(r.Context(), q.Get("application"), userID, splitLevels(q["levels"]))
	if err != nil {
		status, reason := rejection(err)
		g.Rejected(transport, reason, r.RemoteAddr, err)
		http.Error(w, err.Error(), status)
		return nil, false
	}
	return req, true
}

// Rejected records a refused handshake
func (g *Gateway) Rejected(transport, reason, remote string, err error) {
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	g.logger.Warn().
		Err(err).
		Str("transport", transport).
		Str("reason", reason).
		Str("remote", remote).
		Msg("connection refused")

	if g.cfg.Activity != nil {
		g.cfg.Activity.Publish(&activity.Entry{
			Kind:     activity.KindConnectionRejected,
			Message:  err.Error(),
			Metadata: map[string]string{"transport": transport, "reason": reason, "remote": remote},
		})
	}
}

func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, hub.ErrInvalidApplication):
		return http.StatusBadRequest, "invalid_application"
	case errors.Is(err, ErrInvalidLevels):
		return http.StatusBadRequest, "invalid_levels"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func splitLevels(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Open registers conn with the table and the hub. The requested filter is
// in place before the connection joins its group. On error nothing stays
// registered.
func (g *Gateway) Open(req *Request, transport string, conn Conn) (*types.Subscriber, error) {
	connID := uuid.NewString()
	if err := g.table.Add(connID, conn); err != nil {
		return nil, err
	}

	sub, err := g.hub.OnOpen(hub.Handshake{
		ConnectionID:  connID,
		ApplicationID: req.ApplicationID,
		UserID:        req.UserID,
		Transport:     transport,
		Levels:        req.Levels,
	})
	if err != nil {
		g.table.Remove(connID)
		g.Rejected(transport, "hub", "", err)
		return nil, err
	}

	g.logger.Info().
		Str("connection_id", connID).
		Int64("application_id", req.ApplicationID).
		Str("user_id", req.UserID).
		Str("transport", transport).
		Msg("client connected")
	return sub, nil
}

// Close removes connID from the hub before closing the transport, so no
// new push is started once the socket is gone.
func (g *Gateway) Close(connID string, conn Conn) {
	if g.hub.OnClose(connID) {
		g.logger.Info().Str("connection_id", connID).Msg("client disconnected")
	}
	_ = conn.Close()
	g.table.Remove(connID)
}

// Shutdown closes every live transport connection
func (g *Gateway) Shutdown() {
	g.table.CloseAll()
}

// WelcomeMessage is the first message sent on every new connection
func WelcomeMessage(sub *types.Subscriber) *Message {
	return &Message{
		Type:          MessageWelcome,
		ConnectionID:  sub.ConnectionID,
		ApplicationID: sub.ApplicationID,
		Levels:        sub.Levels.Slice(),
	}
}
