package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository/memory"
)

func newIdentityStore() (*IdentityStore, *clock.Fake) {
	clk := clock.NewFake(testNow)
	return NewIdentityStore(memory.NewUserRepository(), clk, fastRetry(), testLogger()), clk
}

func TestSaveUser_ResaveKeepsIdentity(t *testing.T) {
	t.Parallel()
	store, clk := newIdentityStore()
	ctx := context.Background()

	first, err := store.SaveUser(ctx, SaveUserRequest{
		DeviceID: "device-1",
		Name:     "  Dan   the  Driver ",
		Phone:    "+14155550100",
		Role:     domain.UserRoleDriver,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, "Dan the Driver", first.Name)

	clk.Advance(time.Minute)
	second, err := store.SaveUser(ctx, SaveUserRequest{
		DeviceID: "device-1",
		Name:     "Dan",
		Phone:    "+14155550101",
		Role:     domain.UserRoleMotorist,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, testNow.Add(time.Minute), second.UpdatedAt)

	current, err := store.CurrentUser(ctx, "device-1")
	require.NoError(t, err)
	require.Equal(t, second, current)
}

func TestSaveUser_Validation(t *testing.T) {
	t.Parallel()
	store, _ := newIdentityStore()

	testCases := []struct {
		name string
		req  SaveUserRequest
	}{
		{"missing device", SaveUserRequest{Name: "Dan", Phone: "+14155550100", Role: domain.UserRoleDriver}},
		{"blank name", SaveUserRequest{DeviceID: "d", Name: "   ", Phone: "+14155550100", Role: domain.UserRoleDriver}},
		{"bad phone", SaveUserRequest{DeviceID: "d", Name: "Dan", Phone: "555-0100", Role: domain.UserRoleDriver}},
		{"unknown role", SaveUserRequest{DeviceID: "d", Name: "Dan", Phone: "+14155550100", Role: "PILOT"}},
	}
	for _, tc := range testCases {
		_, err := store.SaveUser(context.Background(), tc.req)
		require.ErrorIs(t, err, ErrInvalidUser, tc.name)
	}
}

func TestIdentity_LookupsOfUnknownUsers(t *testing.T) {
	t.Parallel()
	store, _ := newIdentityStore()
	ctx := context.Background()

	_, err := store.CurrentUser(ctx, "")
	require.ErrorIs(t, err, ErrUserNotSaved)

	_, err = store.CurrentUser(ctx, "unknown-device")
	require.ErrorIs(t, err, ErrUserNotSaved)

	_, err = store.GetUser(ctx, "unknown-id")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = store.AssignRole(ctx, "unknown-device", domain.UserRoleDriver)
	require.ErrorIs(t, err, ErrUserNotSaved)
}

func TestAssignRole(t *testing.T) {
	t.Parallel()
	store, _ := newIdentityStore()
	ctx := context.Background()

	u, err := store.SaveUser(ctx, SaveUserRequest{DeviceID: "d", Name: "Mo", Phone: "+14155550100", Role: domain.UserRoleMotorist})
	require.NoError(t, err)

	updated, err := store.AssignRole(ctx, "d", domain.UserRoleDriver)
	require.NoError(t, err)
	require.Equal(t, u.ID, updated.ID)
	require.Equal(t, domain.UserRoleDriver, updated.Role)

	_, err = store.AssignRole(ctx, "d", "PILOT")
	require.ErrorIs(t, err, ErrInvalidRole)

	byID, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, domain.UserRoleDriver, byID.Role)
}
