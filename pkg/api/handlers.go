package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/ingest"
	"github.com/cuemby/lookout/pkg/storage"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type server struct {
	gateway  *gateway.Gateway
	hub      *hub.Hub
	ingest   *ingest.Service
	store    storage.Store
	authz    auth.Authorizer
	identity auth.Identity
	activity *activity.Broker
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, hub.ErrInvalidApplication),
		errors.Is(err, ingest.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, hub.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrApplicationDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseAppID(raw string) (int64, error) {
	return hub.ParseApplicationID(raw)
}

// Applications

type createApplicationRequest struct {
	AppKey      string `json:"appId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled"`
}

func (s *server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}

	app := &types.Application{
		AppKey:      req.AppKey,
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Users:       []string{userFrom(r.Context())},
	}
	if err := s.store.CreateApplication(app); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApplications()
	if err != nil {
		writeError(w, err)
		return
	}

	userID := userFrom(r.Context())
	visible := make([]*types.Application, 0, len(apps))
	for _, app := range apps {
		ok, err := s.authz.CanView(r.Context(), userID, app.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if ok {
			visible = append(visible, app)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApplication(appFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type grantRequest struct {
	User string `json:"user"`
}

func (s *server) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.User) == "" {
		writeError(w, fmt.Errorf("%w: user is required", errBadRequest))
		return
	}

	appID := appFrom(r.Context())
	if err := s.store.GrantAccess(appID, req.User); err != nil {
		writeError(w, err)
		return
	}
	app, err := s.store.GetApplication(appID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// Events

type ingestResponse struct {
	Stored int            `json:"stored"`
	Events []*types.Event `json:"events"`
}

// handleIngest accepts a single event object or an array of events
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	var events []*types.Event
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	} else {
		var ev types.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		events = []*types.Event{&ev}
	}

	n, err := s.ingest.IngestBatch(r.Context(), appFrom(r.Context()), events)
	if err != nil && n == 0 {
		writeError(w, err)
		return
	}
	resp := ingestResponse{Stored: n, Events: events[:n]}
	if err != nil {
		// partial batch: report what was stored alongside the failure
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "stored": resp.Stored, "events": resp.Events})
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
		limit = n
	}

	events, err := s.ingest.Recent(appFrom(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Subscribers

type subscriberView struct {
	ConnectionID string        `json:"connectionId"`
	UserID       string        `json:"userId"`
	Transport    string        `json:"transport"`
	Levels       []types.Level `json:"levels"`
	ConnectedAt  time.Time     `json:"connectedAt"`
	Pending      int           `json:"pending"`
}

func (s *server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	members := s.hub.MembersOf(appFrom(r.Context()))
	out := make([]subscriberView, 0, len(members))
	for _, connID := range members {
		sub, ok := s.hub.Lookup(connID)
		if !ok {
			continue
		}
		out = append(out, subscriberView{
			ConnectionID: sub.ConnectionID,
			UserID:       sub.UserID,
			Transport:    sub.Transport,
			Levels:       sub.Levels.Slice(),
			ConnectedAt:  sub.ConnectedAt,
			Pending:      s.hub.Pending(connID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type filterRequest struct {
	Levels []string `json:"levels"`
}

// handleSetFilter replaces the filter of one of the caller's own connections
func (s *server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	sub, ok := s.hub.Lookup(connID)
	if !ok {
		writeError(w, fmt.Errorf("connection %s: %w", connID, hub.ErrUnknownConnection))
		return
	}
	if sub.UserID != userFrom(r.Context()) {
		writeError(w, fmt.Errorf("%w: connection %s belongs to another user", auth.ErrForbidden, connID))
		return
	}

	var req filterRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	levels, err := types.ParseLevelSet(req.Levels)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.hub.SetFilter(connID, levels); err != nil {
		writeError(w, err)
		return
	}

	msg := &gateway.Message{Type: gateway.MessageFilter, ConnectionID: connID, Levels: levels.Slice()}
	if conn, ok := s.gateway.Table().Get(connID); ok {
		_ = conn.Send(r.Context(), msg)
	}
	writeJSON(w, http.StatusOK, msg)
}

// Activity

// handleActivity streams connection lifecycle and delivery notifications
// as Server-Sent Events, limited to applications the caller may view
func (s *server) handleActivity(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var kinds []activity.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, activity.Kind(k))
	}
	sub := s.activity.Subscribe(kinds...)
	defer s.activity.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	userID := userFrom(r.Context())
	visible := make(map[int64]bool)

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-sub.C:
			if !ok {
				return
			}
			can, seen := visible[entry.ApplicationID]
			if !seen {
				can = auth.Check(r.Context(), s.authz, userID, entry.ApplicationID) == nil
				visible[entry.ApplicationID] = can
			}
			if !can {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.ID, entry.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
