package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/lookout/pkg/storage"
)

// DefaultUserHeader is the header the upstream auth proxy sets to the
// authenticated user id
const DefaultUserHeader = "X-Lookout-User"

var (
	// ErrUnauthenticated means the request carried no identity
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the identity may not view the application
	ErrForbidden = errors.New("forbidden")
)

// Authorizer decides whether a user may view an application's events
type Authorizer interface {
	CanView(ctx context.Context, userID string, appID int64) (bool, error)
}

// AllowAll grants every authenticated user access to every application
type AllowAll struct{}

func (AllowAll) CanView(context.Context, string, int64) (bool, error) {
	return true, nil
}

// StoreAuthorizer grants access to users listed on an enabled application
type StoreAuthorizer struct {
	store storage.Store
	admin map[string]struct{}
}

// NewStoreAuthorizer creates an authorizer backed by store. Admin users may
// view every application, including disabled ones.
func NewStoreAuthorizer(store storage.Store, admins ...string) *StoreAuthorizer {
	a := &StoreAuthorizer{store: store, admin: make(map[string]struct{}, len(admins))}
	for _, u := range admins {
		a.admin[u] = struct{}{}
	}
	return a
}

// CanView reports whether userID may watch appID. Admins pass without a
// store lookup, so they also see notifications not tied to an application.
func (a *StoreAuthorizer) CanView(ctx context.Context, userID string, appID int64) (bool, error) {
	if _, ok := a.admin[userID]; ok {
		return true, nil
	}

	app, err := a.store.GetApplication(appID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load application %d: %w", appID, err)
	}
	return app.Enabled && app.HasUser(userID), nil
}

// Identity extracts the authenticated user id set by the upstream proxy
type Identity struct {
	Header string
}

// UserID returns the caller's id or ErrUnauthenticated
func (i Identity) UserID(r *http.Request) (string, error) {
	header := i.Header
	if header == "" {
		header = DefaultUserHeader
	}
	user := strings.TrimSpace(r.Header.Get(header))
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}

// Check resolves the caller and verifies access to appID
func Check(ctx context.Context, authz Authorizer, userID string, appID int64) error {
	ok, err := authz.CanView(ctx, userID, appID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %s may not view application %d", ErrForbidden, userID, appID)
	}
	return nil
}
