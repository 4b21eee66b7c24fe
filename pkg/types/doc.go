/*
Package types defines the core data structures shared across Lookout.

The types in this package describe the event-monitoring domain: the
severity levels attached to every logged event, the filter sets that
subscribers use to select which levels they receive, the live subscriber
record kept for each real-time connection, the persisted Event itself,
and the Application that events are logged against.

# Core Types

Severity:
  - Level: critical, error, warning, information, debug, trace
  - LevelSet: set of levels used as a subscriber filter
  - AllLevels: the accept-all default given to every new connection

Real-time delivery:
  - Subscriber: connection id, application id, user id, filter, transport

Domain records:
  - Event: a persisted log event (level, category, message, ids)
  - Application: monitored application and the users allowed to view it

# Usage

	levels, err := types.ParseLevelSet([]string{"error", "critical"})
	if err != nil {
		return err
	}
	if levels.Has(event.Level) {
		// deliver
	}

LevelSet values are plain maps and are not safe for concurrent mutation.
Components that share a Subscriber hand out copies made with Clone.
*/
package types
