/*
Package storage persists monitored applications and their events in a
BoltDB file.

Lookout does not own event storage in a full deployment; the monitoring
application writes events to its own database and notifies the hub. When
Lookout runs standalone this package plays that role for the ingestion
path and for application access checks.

# Layout

	lookout.db
	├── applications   itob(id) → JSON Application (id from bucket sequence)
	└── events         root sequence assigns every event's GlobalID
	    └── itob(appID)  itob(globalID) → JSON Event

Keys are big-endian so cursor order equals numeric order. ListEvents walks
an application's bucket backwards to return the newest events first.

# Usage

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	app := &types.Application{Name: "billing", Enabled: true}
	if err := store.CreateApplication(app); err != nil {
		return err
	}
	if err := store.AppendEvent(&types.Event{ApplicationID: app.ID, Level: types.LevelError}); err != nil {
		return err
	}

Missing records are reported with errors wrapping ErrNotFound.
*/
package storage
