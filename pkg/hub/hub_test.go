package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPusher captures every push per connection
type recordingPusher struct {
	mu       sync.Mutex
	received map[string][]*types.Event
	hook     func(ctx context.Context, connID string, event *types.Event) error
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{received: make(map[string][]*types.Event)}
}

func (p *recordingPusher) Push(ctx context.Context, connID string, event *types.Event) error {
	if p.hook != nil {
		if err := p.hook(ctx, connID, event); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[connID] = append(p.received[connID], event)
	return nil
}

func (p *recordingPusher) events(connID string) []*types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Event(nil), p.received[connID]...)
}

func (p *recordingPusher) count(connID string) int {
	return len(p.events(connID))
}

func open(t *testing.T, h *Hub, connID string, appID int64) {
	t.Helper()
	_, err := h.OnOpen(Handshake{ConnectionID: connID, ApplicationID: appID, UserID: "u-" + connID, Transport: "test"})
	require.NoError(t, err)
}

func event(appID int64, level types.Level, globalID int64) *types.Event {
	return &types.Event{
		ApplicationID: appID,
		Level:         level,
		Category:      "Tests",
		Message:       fmt.Sprintf("event %d", globalID),
		Timestamp:     time.Now(),
		GlobalID:      globalID,
	}
}

// assertLockstep verifies every group member has a matching registry record
func assertLockstep(t *testing.T, h *Hub) {
	t.Helper()
	for _, s := range h.groups.shards {
		s.mu.Lock()
		for appID, members := range s.groups {
			for connID := range members {
				sub, ok := h.registry.Lookup(connID)
				if assert.True(t, ok, "member %s of %d not registered", connID, appID) {
					assert.Equal(t, appID, sub.ApplicationID)
				}
			}
		}
		s.mu.Unlock()
	}
}

func TestParseApplicationID(t *testing.T) {
	tests := []struct {
		raw      string
		expected int64
		wantErr  bool
	}{
		{raw: "42", expected: 42},
		{raw: " 7 ", expected: 7},
		{raw: "", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "0", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			id, err := ParseApplicationID(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidApplication)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestOnOpenRejectsInvalidHandshake(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	_, err := h.OnOpen(Handshake{ConnectionID: "c1", ApplicationID: 0})
	assert.ErrorIs(t, err, ErrInvalidApplication)

	_, err = h.OnOpen(Handshake{ApplicationID: 1})
	assert.ErrorIs(t, err, ErrInvalidConnection)

	assert.Empty(t, h.Subscribers())
	assert.Equal(t, 0, h.GroupCount())
}

func TestOnOpenDuplicateConnection(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	open(t, h, "c1", 42)
	_, err := h.OnOpen(Handshake{ConnectionID: "c1", ApplicationID: 7})
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	assert.Equal(t, []string{"c1"}, h.MembersOf(42))
	assert.Empty(t, h.MembersOf(7))
	assertLockstep(t, h)
}

func TestEndToEnd(t *testing.T) {
	p := newRecordingPusher()
	h := New(p)
	defer h.Close()

	_, err := h.OnOpen(Handshake{ConnectionID: "c1", ApplicationID: 42, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, h.MembersOf(42))

	ev := event(42, types.LevelCritical, 1)
	res := h.OnEventPersisted(context.Background(), ev)
	assert.Equal(t, 1, res.Members)
	assert.Equal(t, 1, res.Queued)

	require.Eventually(t, func() bool { return p.count("c1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Same(t, ev, p.events("c1")[0])

	assert.True(t, h.OnClose("c1"))
	assert.Empty(t, h.MembersOf(42))
	_, ok := h.Lookup("c1")
	assert.False(t, ok)

	// exactly one push, nothing afterwards
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.count("c1"))
}

func TestDispatchFanOutHonorsFilters(t *testing.T) {
	p := newRecordingPusher()
	h := New(p)
	defer h.Close()

	for _, c := range []string{"c1", "c2", "c3"} {
		open(t, h, c, 1)
	}
	require.NoError(t, h.SetFilter("c1", types.NewLevelSet(types.LevelError)))
	require.NoError(t, h.SetFilter("c2", types.NewLevelSet(types.LevelError)))
	require.NoError(t, h.SetFilter("c3", types.NewLevelSet(types.LevelWarning)))

	res := h.OnEventPersisted(context.Background(), event(1, types.LevelError, 10))
	assert.Equal(t, DispatchResult{ApplicationID: 1, Members: 3, Queued: 2, Filtered: 1}, res)

	require.Eventually(t, func() bool {
		return p.count("c1") == 1 && p.count("c2") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, p.count("c3"))
}

func TestDispatchCrossApplicationIsolation(t *testing.T) {
	p := newRecordingPusher()
	h := New(p, WithShards(1)) // force both applications onto one shard
	defer h.Close()

	open(t, h, "a1", 100)
	open(t, h, "b1", 200)
	open(t, h, "b2", 200)

	for i := int64(0); i < 10; i++ {
		h.OnEventPersisted(context.Background(), event(100, types.LevelInformation, i))
	}

	require.Eventually(t, func() bool { return p.count("a1") == 10 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, p.count("b1"))
	assert.Equal(t, 0, p.count("b2"))
}

func TestDispatchToEmptyGroup(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	res := h.OnEventPersisted(context.Background(), event(5, types.LevelError, 1))
	assert.Equal(t, DispatchResult{ApplicationID: 5}, res)
}

func TestDispatchCancelledContextStillDelivers(t *testing.T) {
	p := newRecordingPusher()
	h := New(p)
	defer h.Close()
	open(t, h, "c1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.OnEventPersisted(ctx, event(1, types.LevelError, 1))
	assert.Equal(t, 1, res.Queued)

	assert.Eventually(t, func() bool { return p.count("c1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestOnOpenAppliesInitialFilter(t *testing.T) {
	p := newRecordingPusher()
	h := New(p)
	defer h.Close()

	sub, err := h.OnOpen(Handshake{
		ConnectionID:  "c1",
		ApplicationID: 1,
		Levels:        types.NewLevelSet(types.LevelError),
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Level{types.LevelError}, sub.Levels.Slice())

	res := h.OnEventPersisted(context.Background(), event(1, types.LevelDebug, 1))
	assert.Equal(t, 1, res.Filtered)
	res = h.OnEventPersisted(context.Background(), event(1, types.LevelError, 2))
	assert.Equal(t, 1, res.Queued)

	assert.Eventually(t, func() bool { return p.count("c1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), p.events("c1")[0].GlobalID)
}

func TestOnOpenFilterHoldsUnderConcurrentDispatch(t *testing.T) {
	p := newRecordingPusher()
	h := New(p, WithOutboxSize(1024))
	defer h.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var id int64
		for {
			select {
			case <-stop:
				return
			default:
			}
			id++
			h.OnEventPersisted(context.Background(), event(1, types.LevelDebug, id))
		}
	}()

	for i := 0; i < 200; i++ {
		_, err := h.OnOpen(Handshake{
			ConnectionID:  fmt.Sprintf("c%d", i),
			ApplicationID: 1,
			Levels:        types.NewLevelSet(types.LevelError),
		})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	// Let any queued pushes drain before inspecting
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 200; i++ {
		assert.Empty(t, p.events(fmt.Sprintf("c%d", i)))
	}
}

func TestDeliveryPreservesOrderPerSubscriber(t *testing.T) {
	p := newRecordingPusher()
	h := New(p, WithOutboxSize(256))
	defer h.Close()
	open(t, h, "c1", 1)
	open(t, h, "c2", 1)

	const n = 200
	for i := int64(0); i < n; i++ {
		h.OnEventPersisted(context.Background(), event(1, types.LevelDebug, i))
	}

	for _, c := range []string{"c1", "c2"} {
		require.Eventually(t, func() bool { return p.count(c) == n }, 2*time.Second, 5*time.Millisecond)
		for i, ev := range p.events(c) {
			assert.Equal(t, int64(i), ev.GlobalID)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	p := newRecordingPusher()
	p.hook = func(ctx context.Context, connID string, _ *types.Event) error {
		if connID == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	var mu sync.Mutex
	var failures []*DeliveryError
	h := New(p,
		WithPushTimeout(50*time.Millisecond),
		WithFailureHandler(func(err *DeliveryError) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}),
	)
	defer h.Close()

	open(t, h, "slow", 1)
	open(t, h, "fast", 1)

	start := time.Now()
	h.OnEventPersisted(context.Background(), event(1, types.LevelError, 1))
	require.Eventually(t, func() bool { return p.count("fast") == 1 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "slow", failures[0].ConnectionID)
	assert.Equal(t, ReasonPush, failures[0].Reason)
	assert.ErrorIs(t, failures[0], context.DeadlineExceeded)
}

func TestPushErrorIsIsolated(t *testing.T) {
	boom := errors.New("socket closed")
	p := newRecordingPusher()
	p.hook = func(_ context.Context, connID string, _ *types.Event) error {
		if connID == "broken" {
			return boom
		}
		return nil
	}

	failed := make(chan *DeliveryError, 4)
	h := New(p, WithFailureHandler(func(err *DeliveryError) { failed <- err }))
	defer h.Close()

	open(t, h, "broken", 3)
	open(t, h, "ok", 3)

	h.OnEventPersisted(context.Background(), event(3, types.LevelWarning, 9))

	select {
	case err := <-failed:
		var de *DeliveryError
		require.ErrorAs(t, err, &de)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(9), de.GlobalID)
		assert.Contains(t, err.Error(), "broken")
	case <-time.After(time.Second):
		t.Fatal("no delivery failure reported")
	}
	require.Eventually(t, func() bool { return p.count("ok") == 1 }, time.Second, 5*time.Millisecond)

	// no retry
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, failed, 0)
}

func TestOutboxOverflowDropsWithoutBlocking(t *testing.T) {
	gate := make(chan struct{})
	pushing := make(chan struct{}, 1)
	p := newRecordingPusher()
	p.hook = func(ctx context.Context, connID string, _ *types.Event) error {
		select {
		case pushing <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	}

	var dropped []*DeliveryError
	var mu sync.Mutex
	h := New(p, WithOutboxSize(1), WithPushTimeout(time.Minute), WithFailureHandler(func(err *DeliveryError) {
		mu.Lock()
		dropped = append(dropped, err)
		mu.Unlock()
	}))
	defer h.Close()
	open(t, h, "c1", 1)

	h.OnEventPersisted(context.Background(), event(1, types.LevelError, 1))
	<-pushing // sender is now blocked on event 1

	res := h.OnEventPersisted(context.Background(), event(1, types.LevelError, 2))
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 1, h.Pending("c1"))

	res = h.OnEventPersisted(context.Background(), event(1, types.LevelError, 3))
	assert.Equal(t, 1, res.Dropped)

	close(gate)
	require.Eventually(t, func() bool { return p.count("c1") == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, ReasonOverflow, dropped[0].Reason)
	assert.Equal(t, int64(3), dropped[0].GlobalID)
}

func TestDisconnectDuringDispatch(t *testing.T) {
	p := newRecordingPusher()
	h := New(p)
	defer h.Close()

	for i := 0; i < 200; i++ {
		connID := fmt.Sprintf("c%d", i)
		open(t, h, connID, 9)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.OnEventPersisted(context.Background(), event(9, types.LevelError, int64(i)))
		}()
		go func() {
			defer wg.Done()
			h.OnClose(connID)
		}()
		wg.Wait()

		assert.LessOrEqual(t, p.count(connID), 1)
		assert.Empty(t, h.MembersOf(9))
	}

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, p.count(fmt.Sprintf("c%d", i)), 1)
	}
}

func TestConcurrentLifecycleKeepsLockstep(t *testing.T) {
	h := New(newRecordingPusher(), WithShards(4))
	defer h.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				connID := fmt.Sprintf("w%d-%d", w, i)
				appID := int64(i%5 + 1)
				if _, err := h.OnOpen(Handshake{ConnectionID: connID, ApplicationID: appID}); err != nil {
					t.Errorf("open %s: %v", connID, err)
					return
				}
				h.OnEventPersisted(context.Background(), event(appID, types.LevelTrace, int64(i)))
				if i%3 != 0 {
					h.OnClose(connID)
				}
			}
		}(w)
	}

	checked := make(chan struct{})
	go func() {
		defer close(checked)
		for {
			select {
			case <-stop:
				return
			default:
				assertLockstep(t, h)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-checked

	assertLockstep(t, h)
	total := 0
	for appID := int64(1); appID <= 5; appID++ {
		total += len(h.MembersOf(appID))
	}
	assert.Equal(t, len(h.Subscribers()), total)
	assert.Equal(t, 8*100, total)
}

func TestOnCloseUnknownIsNoop(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	assert.False(t, h.OnClose("nope"))
	open(t, h, "c1", 1)
	assert.True(t, h.OnClose("c1"))
	assert.False(t, h.OnClose("c1"))
}

func TestReconnectCreatesFreshSubscriber(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	open(t, h, "c1", 1)
	require.NoError(t, h.SetFilter("c1", types.NewLevelSet(types.LevelError)))
	h.OnClose("c1")

	open(t, h, "c1", 2)
	sub, ok := h.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, int64(2), sub.ApplicationID)
	assert.Equal(t, types.AllLevels(), sub.Levels)
	assert.Empty(t, h.MembersOf(1))
	assert.Equal(t, []string{"c1"}, h.MembersOf(2))
}

func TestSetFilterUnknownConnection(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	err := h.SetFilter("ghost", types.NewLevelSet(types.LevelError))
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	h := New(newRecordingPusher())
	open(t, h, "c1", 1)
	open(t, h, "c2", 2)

	h.Close()
	h.Close()

	assert.Empty(t, h.Subscribers())
	assert.Equal(t, 0, h.GroupCount())
	_, err := h.OnOpen(Handshake{ConnectionID: "c3", ApplicationID: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats(t *testing.T) {
	h := New(newRecordingPusher())
	defer h.Close()

	_, err := h.OnOpen(Handshake{ConnectionID: "w1", ApplicationID: 1, Transport: "websocket"})
	require.NoError(t, err)
	_, err = h.OnOpen(Handshake{ConnectionID: "w2", ApplicationID: 2, Transport: "websocket"})
	require.NoError(t, err)
	_, err = h.OnOpen(Handshake{ConnectionID: "s1", ApplicationID: 2, Transport: "sse"})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"websocket": 2, "sse": 1}, h.ConnectionsByTransport())
	assert.Equal(t, 2, h.GroupCount())
}

func TestActivityNotifications(t *testing.T) {
	b := activity.NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	p := newRecordingPusher()
	p.hook = func(context.Context, string, *types.Event) error { return errors.New("gone") }
	h := New(p, WithActivity(b))
	defer h.Close()

	open(t, h, "c1", 4)
	h.OnEventPersisted(context.Background(), event(4, types.LevelError, 1))

	var kinds []activity.Kind
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-sub.C:
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("got %v", kinds)
		}
	}
	assert.Equal(t, []activity.Kind{activity.KindConnectionOpened, activity.KindDeliveryFailed}, kinds)

	h.OnClose("c1")
	select {
	case e := <-sub.C:
		assert.Equal(t, activity.KindConnectionClosed, e.Kind)
		assert.Equal(t, int64(4), e.ApplicationID)
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
}

func TestSetFilterNotificationCarriesApplication(t *testing.T) {
	b := activity.NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe(activity.KindFilterChanged)
	defer b.Unsubscribe(sub)

	h := New(newRecordingPusher(), WithActivity(b))
	defer h.Close()
	open(t, h, "c1", 9)

	require.NoError(t, h.SetFilter("c1", types.NewLevelSet(types.LevelCritical)))

	select {
	case e := <-sub.C:
		assert.Equal(t, "c1", e.ConnectionID)
		assert.Equal(t, int64(9), e.ApplicationID)
		assert.Equal(t, "critical", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no filter notification")
	}
}
