// Package activity is an in-process feed of connection lifecycle and delivery
// notifications.
//
// The hub and gateway publish Entry values to a Broker. Subscribers receive
// them on a buffered channel, optionally narrowed to a set of kinds. A slow
// subscriber misses entries instead of blocking the publisher. The API
// exposes the feed as a server-sent event stream at /api/activity.
package activity
