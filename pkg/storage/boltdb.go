package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/lookout/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketApplications = []byte("applications")
	bucketEvents       = []byte("events")
)

// DefaultListLimit caps ListEvents when no positive limit is given
const DefaultListLimit = 100

// BoltStore implements Store using BoltDB. Events are kept in one nested
// bucket per application keyed by their global id, so recent events for an
// application are a reverse cursor walk.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "lookout.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketApplications, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// Application operations

// CreateApplication stores app, assigning an id when app.ID is zero
func (s *BoltStore) CreateApplication(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		if app.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			app.ID = int64(seq)
		} else if b.Get(itob(app.ID)) != nil {
			return fmt.Errorf("application %d already exists", app.ID)
		}
		if app.CreatedAt.IsZero() {
			app.CreatedAt = s.now().UTC()
		}
		return putApplication(b, app)
	})
}

func putApplication(b *bolt.Bucket, app *types.Application) error {
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return b.Put(itob(app.ID), data)
}

func getApplication(b *bolt.Bucket, id int64) (*types.Application, error) {
	data := b.Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("application %d: %w", id, ErrNotFound)
	}
	var app types.Application
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) GetApplication(id int64) (*types.Application, error) {
	var app *types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		app, err = getApplication(tx.Bucket(bucketApplications), id)
		return err
	})
	return app, err
}

func (s *BoltStore) ListApplications() ([]*types.Application, error) {
	var apps []*types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplications).ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) UpdateApplication(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		if b.Get(itob(app.ID)) == nil {
			return fmt.Errorf("application %d: %w", app.ID, ErrNotFound)
		}
		return putApplication(b, app)
	})
}

// DeleteApplication removes the application and all of its events
func (s *BoltStore) DeleteApplication(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketApplications).Delete(itob(id)); err != nil {
			return err
		}
		events := tx.Bucket(bucketEvents)
		if events.Bucket(itob(id)) != nil {
			return events.DeleteBucket(itob(id))
		}
		return nil
	})
}

// GrantAccess adds userID to the application's viewers
func (s *BoltStore) GrantAccess(appID int64, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		app, err := getApplication(b, appID)
		if err != nil {
			return err
		}
		if app.HasUser(userID) {
			return nil
		}
		app.Users = append(app.Users, userID)
		return putApplication(b, app)
	})
}

// RevokeAccess removes userID from the application's viewers
func (s *BoltStore) RevokeAccess(appID int64, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		app, err := getApplication(b, appID)
		if err != nil {
			return err
		}
		users := app.Users[:0]
		for _, u := range app.Users {
			if u != userID {
				users = append(users, u)
			}
		}
		app.Users = users
		return putApplication(b, app)
	})
}

// Event operations

// AppendEvent persists event, assigning its GlobalID and a timestamp if missing
func (s *BoltStore) AppendEvent(event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketApplications).Get(itob(event.ApplicationID)) == nil {
			return fmt.Errorf("application %d: %w", event.ApplicationID, ErrNotFound)
		}

		root := tx.Bucket(bucketEvents)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists(itob(event.ApplicationID))
		if err != nil {
			return err
		}

		stored := *event
		stored.GlobalID = int64(seq)
		if stored.Timestamp.IsZero() {
			stored.Timestamp = s.now().UTC()
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := b.Put(itob(stored.GlobalID), data); err != nil {
			return err
		}

		event.GlobalID = stored.GlobalID
		event.Timestamp = stored.Timestamp
		return nil
	})
}

// ListEvents returns up to limit events for the application, newest first
func (s *BoltStore) ListEvents(appID int64, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket(itob(appID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) CountEvents(appID int64) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket(itob(appID))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

var _ Store = (*BoltStore)(nil)
