package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mostrador/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
	listErr error
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	ctx := context.Background()
	store := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, "2468", store, zerolog.Nop())
	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "Admin ", Password: "admin123"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, resp.Role)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password)
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"))
	assert.GreaterOrEqual(t, store.updates, 1)
}

func TestLoginRejectsBadPasswordAndInactiveAccount(t *testing.T) {
	ctx := context.Background()
	store := legacyAdminStore()
	store.users["viejo"] = domain.UserAccount{Username: "viejo", Password: "viejo123", Role: domain.RoleCashier}

	manager := NewAuthManager("test-secret", time.Hour, "2468", store, zerolog.Nop())

	_, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "nadie", Password: "admin123"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "viejo", Password: "viejo123"})
	assert.ErrorIs(t, err, ErrInactiveAccount)
}

func TestLoginKeepsCachedCredentialsWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	store := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "2468", store, zerolog.Nop())

	store.listErr = assert.AnError
	_, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "admin123"})
	assert.NoError(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "2468", legacyAdminStore(), zerolog.Nop())
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "admin", Role: domain.RoleAdmin}, actor)

	other := NewAuthManager("other-secret", time.Hour, "2468", legacyAdminStore(), zerolog.Nop())
	_, err = other.ParseToken(resp.AccessToken)
	assert.Error(t, err)
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	ctx := context.Background()
	store := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, "2468", store, zerolog.Nop())
	cashier, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{
		Username: "CajeroDos",
		Password: "pass1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "cajerodos", cashier.Username)
	assert.Equal(t, domain.RoleCashier, cashier.Role)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "cajerodos" {
			found = &users[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, strings.HasPrefix(found.Password, "$2"))

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "cajerodos", Password: "pass1234"})
	require.NoError(t, err)

	listed := manager.ListCashiers(ctx)
	require.Len(t, listed, 1)
	assert.Equal(t, "cajerodos", listed[0].Username)
}

func TestCreateCashierValidation(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager("test-secret", time.Hour, "2468", legacyAdminStore(), zerolog.Nop())

	cases := []struct {
		name  string
		req   domain.CashierCreateRequest
		field string
	}{
		{"short username", domain.CashierCreateRequest{Username: "ana", Password: "pass1234"}, "username"},
		{"spaces", domain.CashierCreateRequest{Username: "ana maria", Password: "pass1234"}, "username"},
		{"short password", domain.CashierCreateRequest{Username: "anamaria", Password: "123"}, "password"},
		{"taken", domain.CashierCreateRequest{Username: "admin", Password: "pass1234"}, "username"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := manager.CreateCashier(ctx, tc.req)
			verr, ok := domain.AsValidation(err)
			require.True(t, ok, "expected validation error, got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{}, zerolog.Nop())

	assert.NotEqual(t, "654321", manager.managerPIN)
	assert.True(t, manager.ValidateManagerPIN("654321"))
	assert.True(t, manager.ValidateManagerPIN(" 654321 "))
	assert.False(t, manager.ValidateManagerPIN("111111"))
	assert.False(t, manager.ValidateManagerPIN(""))
}
