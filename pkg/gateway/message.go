package gateway

import "github.com/cuemby/lookout/pkg/types"

// Message types exchanged with real-time clients
const (
	MessageWelcome = "welcome"
	MessageEvent   = "event"
	MessageFilter  = "filter"
	MessageError   = "error"
)

// Message is the JSON envelope written to websocket and SSE clients.
// Clients send {"type":"filter","levels":[...]} to change their filter.
type Message struct {
	Type          string        `json:"type"`
	ConnectionID  string        `json:"connectionId,omitempty"`
	ApplicationID int64         `json:"applicationId,omitempty"`
	Levels        []types.Level `json:"levels,omitempty"`
	Event         *types.Event  `json:"event,omitempty"`
	Error         string        `json:"error,omitempty"`
}

func levelNames(levels []types.Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = string(l)
	}
	return out
}
