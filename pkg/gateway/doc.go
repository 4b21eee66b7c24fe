/*
Package gateway exposes the hub to real-time clients over WebSocket and
Server-Sent Events.

# Handshake

Both transports take the application and an optional level filter from the
query string; the user id comes from the identity header set by the
upstream proxy:

	GET /ws?application=42&levels=error,critical
	GET /stream?application=42
	X-Lookout-User: alice

The handshake is checked before any state is created:

	missing / non-numeric / non-positive application   400
	unknown level name                                  400
	no user id                                          401
	user may not view the application                   403

A refused connection is never registered with the hub.

# Messages

Every frame is a JSON Message envelope:

	{"type":"welcome","connectionId":"…","applicationId":42,"levels":[…]}
	{"type":"event","event":{…}}
	{"type":"filter","levels":["error"]}
	{"type":"error","error":"…"}

WebSocket clients change their filter by sending a filter message; the
server answers with the applied filter or an error. SSE frames use the
message type as the event name and the event's global id as the SSE id.

# Connection table

Table maps connection ids to live transport connections and is the Pusher
the hub is constructed with. Close always removes the connection from the
hub before the socket is closed.
*/
package gateway
