package hub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/rs/zerolog"
)

// Handshake carries what the transport learned while accepting a connection
type Handshake struct {
	ConnectionID  string
	ApplicationID int64
	UserID        string
	Transport     string

	// Levels is the initial filter; nil accepts every level
	Levels types.LevelSet
}

// Option configures a Hub
type Option func(*settings)

type settings struct {
	shards      int
	outboxSize  int
	pushTimeout time.Duration
	broker      *activity.Broker
	onFailure   func(*DeliveryError)
	now         func() time.Time
}

// WithShards sets the number of group shards
func WithShards(n int) Option {
	return func(s *settings) { s.shards = n }
}

// WithOutboxSize sets the per-subscriber queue bound
func WithOutboxSize(n int) Option {
	return func(s *settings) { s.outboxSize = n }
}

// WithPushTimeout bounds each push to one subscriber
func WithPushTimeout(d time.Duration) Option {
	return func(s *settings) { s.pushTimeout = d }
}

// WithActivity publishes lifecycle and delivery notifications on b
func WithActivity(b *activity.Broker) Option {
	return func(s *settings) { s.broker = b }
}

// WithFailureHandler registers a callback for per-subscriber delivery failures
func WithFailureHandler(fn func(*DeliveryError)) Option {
	return func(s *settings) { s.onFailure = fn }
}

// Hub owns the subscriber registry and group index and keeps them in
// lockstep. All connect, disconnect and dispatch traffic for one
// application is serialized on that application's shard lock.
//
// Lock order: Hub.mu, shard, Registry, Dispatcher.
type Hub struct {
	registry   *Registry
	groups     *GroupIndex
	dispatcher *Dispatcher
	broker     *activity.Broker
	onFailure  func(*DeliveryError)
	logger     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a hub that delivers through pusher
func New(pusher Pusher, opts ...Option) *Hub {
	cfg := settings{
		shards:      DefaultShards,
		outboxSize:  DefaultOutboxSize,
		pushTimeout: DefaultPushTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.outboxSize <= 0 {
		cfg.outboxSize = DefaultOutboxSize
	}
	if cfg.pushTimeout <= 0 {
		cfg.pushTimeout = DefaultPushTimeout
	}

	logger := log.WithComponent("hub")
	registry := NewRegistry()
	registry.now = cfg.now
	groups := NewGroupIndex(cfg.shards)

	h := &Hub{
		registry:  registry,
		groups:    groups,
		broker:    cfg.broker,
		onFailure: cfg.onFailure,
		logger:    logger,
	}

	h.dispatcher = newDispatcher(registry, groups, pusher, logger)
	h.dispatcher.outboxSize = cfg.outboxSize
	h.dispatcher.pushTimeout = cfg.pushTimeout
	h.dispatcher.onFailure = h.deliveryFailed

	logger.Debug().
		Int("shards", len(groups.shards)).
		Int("outbox_size", cfg.outboxSize).
		Dur("push_timeout", cfg.pushTimeout).
		Msg("hub created")

	return h
}

// ParseApplicationID validates the application id supplied at handshake
func ParseApplicationID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing", ErrInvalidApplication)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidApplication, raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %d is not positive", ErrInvalidApplication, id)
	}
	return id, nil
}

// OnOpen registers a new connection and joins it to its application group.
// Both happen under the application's shard lock, so no dispatch can see one
// without the other.
func (h *Hub) OnOpen(hs Handshake) (*types.Subscriber, error) {
	if hs.ConnectionID == "" {
		return nil, ErrInvalidConnection
	}
	if hs.ApplicationID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidApplication, hs.ApplicationID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}

	s := h.groups.shardFor(hs.ApplicationID)
	s.mu.Lock()
	sub, err := h.registry.register(hs.ConnectionID, hs.ApplicationID, hs.UserID, hs.Transport, hs.Levels)
	if err != nil {
		s.mu.Unlock()
		h.logger.Warn().
			Str("connection_id", hs.ConnectionID).
			Int64("application_id", hs.ApplicationID).
			Msg("duplicate connection refused")
		return nil, err
	}
	h.groups.join(s, hs.ApplicationID, hs.ConnectionID)
	h.dispatcher.open(hs.ConnectionID, hs.ApplicationID)
	s.mu.Unlock()

	h.logger.Debug().
		Str("connection_id", hs.ConnectionID).
		Int64("application_id", hs.ApplicationID).
		Str("user_id", hs.UserID).
		Str("transport", hs.Transport).
		Msg("subscriber connected")

	h.publish(&activity.Entry{
		Kind:          activity.KindConnectionOpened,
		ConnectionID:  hs.ConnectionID,
		ApplicationID: hs.ApplicationID,
		Metadata:      map[string]string{"user": hs.UserID, "transport": hs.Transport},
	})

	return sub, nil
}

// OnClose leaves the group and unregisters the connection. It is a no-op
// for unknown connections. Events still queued for the connection are
// discarded.
func (h *Hub) OnClose(connID string) bool {
	for {
		sub, ok := h.registry.Lookup(connID)
		if !ok {
			return false
		}

		s := h.groups.shardFor(sub.ApplicationID)
		s.mu.Lock()
		// The id may have been closed and reopened elsewhere since Lookup
		if !h.registry.unregisterIf(connID, sub.ApplicationID) {
			s.mu.Unlock()
			continue
		}
		h.groups.leave(s, sub.ApplicationID, connID)
		h.dispatcher.close(connID)
		s.mu.Unlock()

		h.logger.Debug().
			Str("connection_id", connID).
			Int64("application_id", sub.ApplicationID).
			Msg("subscriber disconnected")

		h.publish(&activity.Entry{
			Kind:          activity.KindConnectionClosed,
			ConnectionID:  connID,
			ApplicationID: sub.ApplicationID,
		})
		return true
	}
}

// OnEventPersisted dispatches a newly stored event to its application's group
func (h *Hub) OnEventPersisted(ctx context.Context, event *types.Event) DispatchResult {
	return h.dispatcher.Dispatch(ctx, event)
}

// SetFilter replaces the severity filter of a live connection
func (h *Hub) SetFilter(connID string, levels types.LevelSet) error {
	appID, err := h.registry.setFilter(connID, levels)
	if err != nil {
		return fmt.Errorf("set filter for %s: %w", connID, err)
	}

	h.publish(&activity.Entry{
		Kind:          activity.KindFilterChanged,
		ConnectionID:  connID,
		ApplicationID: appID,
		Message:       joinLevels(levels),
	})
	return nil
}

// Lookup returns a copy of the subscriber registered under connID
func (h *Hub) Lookup(connID string) (*types.Subscriber, bool) {
	return h.registry.Lookup(connID)
}

// MembersOf returns the connections subscribed to an application
func (h *Hub) MembersOf(appID int64) []string {
	return h.groups.MembersOf(appID)
}

// Subscribers returns copies of every live subscriber
func (h *Hub) Subscribers() []*types.Subscriber {
	return h.registry.Snapshot()
}

// Pending returns the number of events queued but not yet pushed to connID
func (h *Hub) Pending(connID string) int {
	return h.dispatcher.pending(connID)
}

// ConnectionsByTransport counts live subscribers per transport
func (h *Hub) ConnectionsByTransport() map[string]int {
	counts := make(map[string]int)
	for _, sub := range h.registry.Snapshot() {
		counts[sub.Transport]++
	}
	return counts
}

// GroupCount returns the number of applications with live subscribers
func (h *Hub) GroupCount() int {
	return h.groups.Groups()
}

// Closed reports whether Close has been called
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close disconnects every subscriber and waits for their senders to stop.
// OnOpen fails with ErrClosed afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range h.registry.Snapshot() {
		h.OnClose(sub.ConnectionID)
	}
	h.dispatcher.wait()
	h.logger.Info().Msg("hub closed")
}

func (h *Hub) deliveryFailed(err *DeliveryError) {
	entry := &activity.Entry{
		Kind:          activity.KindDeliveryFailed,
		ConnectionID:  err.ConnectionID,
		ApplicationID: err.ApplicationID,
		Message:       err.Error(),
		Metadata: map[string]string{
			"reason":    string(err.Reason),
			"global_id": strconv.FormatInt(err.GlobalID, 10),
		},
	}
	h.publish(entry)

	if h.onFailure != nil {
		h.onFailure(err)
	}
}

func (h *Hub) publish(entry *activity.Entry) {
	if h.broker != nil {
		h.broker.Publish(entry)
	}
}

func joinLevels(levels types.LevelSet) string {
	names := make([]string, 0, len(levels))
	for _, l := range levels.Slice() {
		names = append(names, string(l))
	}
	return strings.Join(names, ",")
}

var _ metrics.StatsSource = (*Hub)(nil)
