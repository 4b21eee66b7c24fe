package storage

import (
	"errors"

	"github.com/cuemby/lookout/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the persistence used by the ingestion path and the
// application access checks. It stands in for the monitoring
// application's own database when Lookout runs standalone.
type Store interface {
	// Applications
	CreateApplication(app *types.Application) error
	GetApplication(id int64) (*types.Application, error)
	ListApplications() ([]*types.Application, error)
	UpdateApplication(app *types.Application) error
	DeleteApplication(id int64) error
	GrantAccess(appID int64, userID string) error
	RevokeAccess(appID int64, userID string) error

	// Events
	AppendEvent(event *types.Event) error
	ListEvents(appID int64, limit int) ([]*types.Event, error)
	CountEvents(appID int64) (int, error)

	// Utility
	Close() error
}
