/*
Package hub implements scoped real-time event fan-out for Lookout.

The hub tracks every live client connection, the application it watches
and the severity levels it wants, groups connections by application, and
delivers each newly persisted event only to the subscribers of that
event's application whose filter accepts the event's level.

# Architecture

	┌───────────────────────── HUB ─────────────────────────────┐
	│                                                            │
	│  OnOpen / OnClose              OnEventPersisted            │
	│        │                              │                    │
	│        ▼                              ▼                    │
	│  ┌───────────── shard lock (appID mod N) ──────────────┐  │
	│  │                                                      │  │
	│  │  Registry        connID → Subscriber{app, levels}    │  │
	│  │  GroupIndex      appID  → {connID...}                │  │
	│  │  Dispatcher      connID → outbox (bounded queue)     │  │
	│  │                                                      │  │
	│  └──────────────────────────┬───────────────────────────┘  │
	│                             │ one sender per connection    │
	│                             ▼                              │
	│                  Pusher.Push(ctx, connID, event)           │
	│                  (websocket, SSE or gRPC adapter)          │
	└────────────────────────────────────────────────────────────┘

# Components

Registry: one record per connection, created with the accept-all filter
(critical, error, warning, information, debug, trace). Register rejects
an id that is already present with ErrDuplicateConnection; Unregister is
idempotent; SetFilter fails with ErrUnknownConnection.

GroupIndex: application id to member set. Applications are spread over a
fixed number of shards, each with its own mutex, so connection churn and
dispatch on one application never contend with a different shard. Empty
groups are pruned.

Dispatcher: resolves the group of an event, evaluates Accepts for each
member and offers the event to that member's outbox. A full outbox or a
failing push is reported as a DeliveryError and never affects any other
subscriber. Nothing is retried; a dead connection is expected to be
cleaned up by the transport's own close notification.

Accepts: the filter predicate, a pure set-membership test.

# Consistency

Register+Join and Leave+Unregister run under the application's shard
lock, and Dispatch reads the group under the same lock, so a dispatch
never observes a member without a registration. If it ever misses one
the member is skipped, never reported.

Dispatch is the only writer of every outbox in its group while it holds
the shard lock, and each outbox is drained by exactly one goroutine, so a
subscriber receives its application's events in dispatch order.

A disconnect cancels the subscriber's outbox. A dispatch racing with the
disconnect either delivers the event once or not at all.

# Usage

	h := hub.New(gatewayTable,
		hub.WithShards(32),
		hub.WithOutboxSize(64),
		hub.WithPushTimeout(5*time.Second),
	)
	defer h.Close()

	appID, err := hub.ParseApplicationID(r.URL.Query().Get("application"))
	if err != nil {
		// refuse the connection
	}
	_, err = h.OnOpen(hub.Handshake{
		ConnectionID:  connID,
		ApplicationID: appID,
		UserID:        userID,
		Transport:     "websocket",
		Levels:        types.NewLevelSet(types.LevelError, types.LevelCritical),
	})
	defer h.OnClose(connID)

	// ingestion path, after the event has been stored
	h.OnEventPersisted(ctx, event)
*/
package hub
