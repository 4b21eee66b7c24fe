package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/lookout/pkg/storage"
	"github.com/cuemby/lookout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAuthorizer(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	enabled := &types.Application{Name: "on", Enabled: true, Users: []string{"u1"}}
	disabled := &types.Application{Name: "off", Enabled: false, Users: []string{"u1"}}
	require.NoError(t, store.CreateApplication(enabled))
	require.NoError(t, store.CreateApplication(disabled))

	authz := NewStoreAuthorizer(store, "root")
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		appID    int64
		expected bool
	}{
		{"listed user", "u1", enabled.ID, true},
		{"unlisted user", "u2", enabled.ID, false},
		{"disabled application", "u1", disabled.ID, false},
		{"admin sees disabled", "root", disabled.ID, true},
		{"missing application", "u1", 999, false},
		{"admin sees unscoped entries", "root", 0, true},
		{"user never sees unscoped entries", "u1", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := authz.CanView(ctx, tt.user, tt.appID)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(context.Background(), AllowAll{}, "u", 1))

	deny := denyAll{}
	err := Check(context.Background(), deny, "u", 1)
	assert.ErrorIs(t, err, ErrForbidden)
}

type denyAll struct{}

func (denyAll) CanView(context.Context, string, int64) (bool, error) { return false, nil }

func TestIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := Identity{}.UserID(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.Header.Set(DefaultUserHeader, " u1 ")
	user, err := Identity{}.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	r.Header.Set("X-Forwarded-User", "u2")
	user, err = Identity{Header: "X-Forwarded-User"}.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, "u2", user)
}
