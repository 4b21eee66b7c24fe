package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level is the severity tag carried by every logged event
type Level string

const (
	LevelCritical    Level = "critical"
	LevelError       Level = "error"
	LevelWarning     Level = "warning"
	LevelInformation Level = "information"
	LevelDebug       Level = "debug"
	LevelTrace       Level = "trace"
)

// levelRank orders levels from most to least severe
var levelRank = map[Level]int{
	LevelCritical:    0,
	LevelError:       1,
	LevelWarning:     2,
	LevelInformation: 3,
	LevelDebug:       4,
	LevelTrace:       5,
}

// levelAliases maps the short names emitted by common logging libraries
var levelAliases = map[string]Level{
	"fatal": LevelCritical,
	"panic": LevelCritical,
	"err":   LevelError,
	"warn":  LevelWarning,
	"info":  LevelInformation,
	"dbg":   LevelDebug,
	"trc":   LevelTrace,
}

// ParseLevel normalizes a severity name into a Level
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if _, ok := levelRank[Level(name)]; ok {
		return Level(name), nil
	}
	if lvl, ok := levelAliases[name]; ok {
		return lvl, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Valid reports whether l is one of the known severity levels
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// LevelSet is the set of severities a subscriber wants delivered
type LevelSet map[Level]struct{}

// NewLevelSet builds a set from the given levels
func NewLevelSet(levels ...Level) LevelSet {
	set := make(LevelSet, len(levels))
	for _, l := range levels {
		set[l] = struct{}{}
	}
	return set
}

// AllLevels returns the accept-all filter assigned to new subscribers
func AllLevels() LevelSet {
	return NewLevelSet(LevelCritical, LevelError, LevelWarning, LevelInformation, LevelDebug, LevelTrace)
}

// ParseLevelSet parses a list of level names, e.g. from a query string
func ParseLevelSet(names []string) (LevelSet, error) {
	set := make(LevelSet, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		lvl, err := ParseLevel(n)
		if err != nil {
			return nil, err
		}
		set[lvl] = struct{}{}
	}
	return set, nil
}

// Has reports whether l is in the set
func (s LevelSet) Has(l Level) bool {
	_, ok := s[l]
	return ok
}

// Clone returns an independent copy of the set
func (s LevelSet) Clone() LevelSet {
	out := make(LevelSet, len(s))
	for l := range s {
		out[l] = struct{}{}
	}
	return out
}

// Slice returns the levels ordered from most to least severe
func (s LevelSet) Slice() []Level {
	out := make([]Level, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := levelRank[out[i]]
		rj, jok := levelRank[out[j]]
		if iok != jok {
			return iok
		}
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// Subscriber is a live connection's identity, application and filter
type Subscriber struct {
	ConnectionID  string
	ApplicationID int64
	UserID        string
	Levels        LevelSet
	Transport     string // "websocket", "sse", "grpc"
	ConnectedAt   time.Time
}

// Clone returns a copy that shares no mutable state with s
func (s *Subscriber) Clone() *Subscriber {
	c := *s
	c.Levels = s.Levels.Clone()
	return &c
}

// Event is a persisted log event as produced by the ingestion path
type Event struct {
	ApplicationID int64     `json:"applicationId"`
	Level         Level     `json:"level"`
	Category      string    `json:"category"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	EventID       int       `json:"eventId"`
	GlobalID      int64     `json:"globalId"`
	EventType     string    `json:"eventType,omitempty"`
	Exception     string    `json:"exception,omitempty"`
	ProcessID     int       `json:"processId,omitempty"`
}

// Application is a monitored application that events are logged against
type Application struct {
	ID          int64     `json:"id"`
	AppKey      string    `json:"appId"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	Users       []string  `json:"users,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasUser reports whether userID has been granted access to the application
func (a *Application) HasUser(userID string) bool {
	for _, u := range a.Users {
		if u == userID {
			return true
		}
	}
	return false
}
