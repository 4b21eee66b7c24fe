/*
Package api implements the Lookout HTTP API and the gRPC event stream.

The HTTP side is a chi router that mounts the real-time endpoints of the
gateway package next to a small REST API over the application store, the
ingestion path, and the live hub state. The gRPC side exposes the same
subscription model as a server stream for non-browser consumers.

# Architecture

	┌──────────── clients ────────────┐     ┌───── producers ─────┐
	│ browser (ws / SSE)   tail --grpc │     │  emit, HTTP POST    │
	└────────┬──────────────────┬─────┘     └──────────┬──────────┘
	         │ HTTP             │ gRPC                  │ HTTP
	┌────────▼──────────────────▼───────────────────────▼──────────┐
	│                        pkg/api                               │
	│                                                              │
	│  chi router                          GRPCServer              │
	│   /ws  /stream  ──► gateway          lookout.v1.EventStream  │
	│   /api/...       ──► store, ingest    grpc.health.v1.Health  │
	│   /health /ready /live /metrics                              │
	└──────────────────────────────┬───────────────────────────────┘
	                               │
	                   ingest ──► store ──► hub ──► subscribers

# HTTP routes

	GET  /ws?application=ID[&levels=a,b]         websocket subscription
	GET  /stream?application=ID[&levels=a,b]     SSE subscription
	POST /api/applications                       create (caller becomes a viewer)
	GET  /api/applications                       applications the caller can view
	GET  /api/applications/{id}
	POST /api/applications/{id}/users            {"user":"bob"}
	POST /api/applications/{id}/events           one event or an array
	GET  /api/applications/{id}/events?limit=N   newest first
	GET  /api/applications/{id}/subscribers      live connections
	PUT  /api/connections/{id}/filter            {"levels":["error"]}
	GET  /api/activity[?kind=...]                SSE activity feed
	GET  /health  /ready  /live  /metrics

Every /api route requires the identity header. Routes under an
application also require that the caller may view it. Errors are JSON
objects with an "error" field; not found maps to 404, invalid input to
400, missing identity to 401, and access denied to 403.

# gRPC

EventStream has a single server-streaming method, Subscribe. Requests and
streamed messages are google.protobuf.Struct values with the same shape as
the websocket JSON:

	request   {"application": 42, "levels": ["error"]}
	messages  {"type":"welcome",...}  {"type":"event","event":{...}}

The caller's user id travels in the x-lookout-user metadata key. Handshake
failures map to InvalidArgument, Unauthenticated and PermissionDenied.
StreamClient is the matching client used by "lookout tail --grpc".
*/
package api
