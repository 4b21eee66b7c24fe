package hub

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultOutboxSize bounds the events queued for one subscriber
	DefaultOutboxSize = 64
	// DefaultPushTimeout bounds a single push to one subscriber
	DefaultPushTimeout = 5 * time.Second
)

// Pusher delivers one event to one connection. It is implemented by the
// transport layer; the hub never writes to a socket itself.
type Pusher interface {
	Push(ctx context.Context, connID string, event *types.Event) error
}

// PusherFunc adapts a function to the Pusher interface
type PusherFunc func(ctx context.Context, connID string, event *types.Event) error

// Push calls f
func (f PusherFunc) Push(ctx context.Context, connID string, event *types.Event) error {
	return f(ctx, connID, event)
}

// DispatchResult summarizes one dispatch
type DispatchResult struct {
	ApplicationID int64
	Members       int // connections in the group
	Queued        int // accepted and queued for push
	Filtered      int // rejected by the subscriber's filter
	Skipped       int // removed by a concurrent disconnect
	Dropped       int // outbox full
}

// Dispatcher delivers persisted events to the accepted members of an
// application's group. Each subscriber owns a bounded outbox drained by a
// single sender goroutine, so a slow or failing connection never delays
// delivery to the others and always sees events in dispatch order.
type Dispatcher struct {
	registry    *Registry
	groups      *GroupIndex
	pusher      Pusher
	pushTimeout time.Duration
	outboxSize  int
	onFailure   func(*DeliveryError)
	logger      zerolog.Logger

	mu       sync.RWMutex
	outboxes map[string]*outbox
	wg       sync.WaitGroup
}

type outbox struct {
	connID string
	appID  int64
	queue  chan *types.Event
	ctx    context.Context
	cancel context.CancelFunc
}

func (o *outbox) offer(event *types.Event) bool {
	select {
	case o.queue <- event:
		return true
	default:
		return false
	}
}

func newDispatcher(registry *Registry, groups *GroupIndex, pusher Pusher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		groups:      groups,
		pusher:      pusher,
		pushTimeout: DefaultPushTimeout,
		outboxSize:  DefaultOutboxSize,
		logger:      logger,
		outboxes:    make(map[string]*outbox),
	}
}

// Dispatch delivers event to every member of its application's group whose
// filter accepts the event's level. Members that disappeared concurrently
// are skipped silently.
//
// Dispatch only enqueues and never blocks, so it runs to completion even
// when ctx is already cancelled: a stored event is always fanned out.
func (d *Dispatcher) Dispatch(ctx context.Context, event *types.Event) DispatchResult {
	res := DispatchResult{ApplicationID: event.ApplicationID}

	metrics.EventsDispatched.WithLabelValues(string(event.Level)).Inc()

	var failures []*DeliveryError

	// Holding the shard lock for the whole fan-out makes this the single
	// writer for every outbox in the group.
	s := d.groups.shardFor(event.ApplicationID)
	s.mu.Lock()
	members := s.groups[event.ApplicationID]
	res.Members = len(members)
	for connID := range members {
		levels, appID, ok := d.registry.filter(connID)
		if !ok || appID != event.ApplicationID {
			res.Skipped++
			continue
		}
		if !Accepts(levels, event.Level) {
			res.Filtered++
			continue
		}
		box := d.outbox(connID)
		if box == nil {
			res.Skipped++
			continue
		}
		if !box.offer(event) {
			res.Dropped++
			failures = append(failures, &DeliveryError{
				ConnectionID:  connID,
				ApplicationID: event.ApplicationID,
				GlobalID:      event.GlobalID,
				Reason:        ReasonOverflow,
			})
			continue
		}
		res.Queued++
	}
	s.mu.Unlock()

	if res.Filtered > 0 {
		metrics.Deliveries.WithLabelValues(metrics.ResultFiltered).Add(float64(res.Filtered))
	}
	for _, f := range failures {
		metrics.Deliveries.WithLabelValues(metrics.ResultDropped).Inc()
		d.fail(f)
	}

	d.logger.Debug().
		Int64("application_id", event.ApplicationID).
		Int64("global_id", event.GlobalID).
		Str("level", string(event.Level)).
		Int("members", res.Members).
		Int("queued", res.Queued).
		Msg("event dispatched")

	return res
}

func (d *Dispatcher) outbox(connID string) *outbox {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.outboxes[connID]
}

// open starts the sender for a newly registered connection
func (d *Dispatcher) open(connID string, appID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	box := &outbox{
		connID: connID,
		appID:  appID,
		queue:  make(chan *types.Event, d.outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}

	d.mu.Lock()
	d.outboxes[connID] = box
	d.mu.Unlock()

	d.wg.Add(1)
	go d.send(box)
}

// close stops the sender and discards anything still queued
func (d *Dispatcher) close(connID string) {
	d.mu.Lock()
	box, ok := d.outboxes[connID]
	delete(d.outboxes, connID)
	d.mu.Unlock()

	if ok {
		box.cancel()
	}
}

// pending returns the number of events queued for connID
func (d *Dispatcher) pending(connID string) int {
	box := d.outbox(connID)
	if box == nil {
		return 0
	}
	return len(box.queue)
}

func (d *Dispatcher) send(box *outbox) {
	defer d.wg.Done()

	for {
		select {
		case <-box.ctx.Done():
			return
		case event := <-box.queue:
			if box.ctx.Err() != nil {
				return
			}
			d.deliver(box, event)
		}
	}
}

func (d *Dispatcher) deliver(box *outbox, event *types.Event) {
	ctx, cancel := context.WithTimeout(box.ctx, d.pushTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := d.pusher.Push(ctx, box.connID, event)
	timer.ObserveDuration(metrics.DeliveryDuration)

	if err != nil {
		metrics.Deliveries.WithLabelValues(metrics.ResultFailed).Inc()
		d.fail(&DeliveryError{
			ConnectionID:  box.connID,
			ApplicationID: box.appID,
			GlobalID:      event.GlobalID,
			Reason:        ReasonPush,
			Err:           err,
		})
		return
	}
	metrics.Deliveries.WithLabelValues(metrics.ResultDelivered).Inc()
}

func (d *Dispatcher) fail(err *DeliveryError) {
	d.logger.Warn().
		Err(err.Err).
		Str("connection_id", err.ConnectionID).
		Int64("application_id", err.ApplicationID).
		Int64("global_id", err.GlobalID).
		Str("reason", string(err.Reason)).
		Msg("delivery failed")

	if d.onFailure != nil {
		d.onFailure(err)
	}
}

// wait blocks until every sender has exited
func (d *Dispatcher) wait() {
	d.wg.Wait()
}
