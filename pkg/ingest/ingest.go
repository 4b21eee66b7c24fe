// Package ingest persists incoming events and hands each stored event to
// the hub for fan-out.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/storage"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidEvent is returned for events that fail validation
	ErrInvalidEvent = errors.New("invalid event")

	// ErrApplicationDisabled is returned when logging against a disabled application
	ErrApplicationDisabled = errors.New("application disabled")
)

// Ingestion results recorded in lookout_events_ingested_total
const (
	ResultStored   = "stored"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Publisher receives every event after it has been persisted
type Publisher interface {
	OnEventPersisted(ctx context.Context, event *types.Event) hub.DispatchResult
}

// Service is the ingestion path: validate, persist, then publish
type Service struct {
	store     storage.Store
	publisher Publisher
	logger    zerolog.Logger
}

// NewService creates an ingestion service
func NewService(store storage.Store, publisher Publisher) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    log.WithComponent("ingest"),
	}
}

// Ingest stores event under appID and publishes it exactly once. The event
// is updated in place with its GlobalID and Timestamp.
func (s *Service) Ingest(ctx context.Context, appID int64, event *types.Event) (hub.DispatchResult, error) {
	if err := s.prepare(appID, event); err != nil {
		metrics.EventsIngested.WithLabelValues(ResultRejected).Inc()
		return hub.DispatchResult{}, err
	}

	if err := s.store.AppendEvent(event); err != nil {
		metrics.EventsIngested.WithLabelValues(ResultFailed).Inc()
		return hub.DispatchResult{}, fmt.Errorf("failed to store event: %w", err)
	}
	metrics.EventsIngested.WithLabelValues(ResultStored).Inc()

	// The event is durable now; the producer going away must not stop fan-out
	result := s.publisher.OnEventPersisted(context.WithoutCancel(ctx), event)

	s.logger.Debug().
		Int64("application_id", appID).
		Int64("global_id", event.GlobalID).
		Str("level", string(event.Level)).
		Int("queued", result.Queued).
		Msg("event ingested")
	return result, nil
}

// IngestBatch ingests events in order and stops at the first failure,
// returning how many were stored. Cancelling ctx stops the batch before the
// next event is stored; events already stored are still published.
func (s *Service) IngestBatch(ctx context.Context, appID int64, events []*types.Event) (int, error) {
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("event %d: %w", i, err)
		}
		if _, err := s.Ingest(ctx, appID, ev); err != nil {
			return i, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return len(events), nil
}

// Recent returns up to limit stored events for appID, newest first
func (s *Service) Recent(appID int64, limit int) ([]*types.Event, error) {
	if _, err := s.store.GetApplication(appID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(appID, limit)
}

func (s *Service) prepare(appID int64, event *types.Event) error {
	if event == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidEvent)
	}
	if appID <= 0 {
		return hub.ErrInvalidApplication
	}
	if event.ApplicationID != 0 && event.ApplicationID != appID {
		return fmt.Errorf("%w: application %d does not match %d", ErrInvalidEvent, event.ApplicationID, appID)
	}
	event.ApplicationID = appID

	level, err := types.ParseLevel(string(event.Level))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event.Level = level

	if strings.TrimSpace(event.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidEvent)
	}

	app, err := s.store.GetApplication(appID)
	if err != nil {
		return err
	}
	if !app.Enabled {
		return fmt.Errorf("application %d: %w", appID, ErrApplicationDisabled)
	}
	return nil
}
