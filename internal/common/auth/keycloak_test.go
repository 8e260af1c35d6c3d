package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"rental-queue/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeycloak serves the handful of endpoints the client uses.
func fakeKeycloak(t *testing.T, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/realms/rentals/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "svc-token", ExpiresIn: 300})
	})

	mux.HandleFunc("/realms/rentals/protocol/openid-connect/token/introspect", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		switch r.PostForm.Get("token") {
		case "good":
			w.Write([]byte(`{"active":true,"sub":"user-1","username":"ana","realm_access":{"roles":["tenant","admin"]}}`))
		default:
			w.Write([]byte(`{"active":false}`))
		}
	})

	mux.HandleFunc("/admin/realms/rentals/users/user-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"user-1","email":"ana@example.com","enabled":true,"emailVerified":true,"attributes":{"phone":["+15550100"]}}`))
	})

	mux.HandleFunc("/admin/realms/rentals/users/user-1/role-mappings/realm/composite", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"r1","name":"tenant"},{"id":"r2","name":"admin"}]`))
	})

	mux.HandleFunc("/admin/realms/rentals/users/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	return httptest.NewServer(mux)
}

func TestKeycloakClient_GetUserCachesToken(t *testing.T) {
	var tokenCalls int32
	srv := fakeKeycloak(t, &tokenCalls)
	defer srv.Close()

	kc := NewKeycloakClient(srv.URL+"/", "rentals", "queue", "secret")
	ctx := context.Background()

	user, err := kc.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)
	assert.Equal(t, "+15550100", user.Phone())

	roles, err := kc.RealmRoles(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant", "admin"}, roles)

	assert.EqualValues(t, 1, atomic.LoadInt32(&tokenCalls))
}

func TestKeycloakClient_Errors(t *testing.T) {
	var tokenCalls int32
	srv := fakeKeycloak(t, &tokenCalls)
	defer srv.Close()

	kc := NewKeycloakClient(srv.URL, "rentals", "queue", "secret")
	ctx := context.Background()

	_, err := kc.GetUser(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	_, err = kc.GetUser(ctx, "flaky")
	require.Error(t, err)
	std := errors.AsStandard(err)
	assert.Equal(t, errors.KindInternal, std.Kind)
	assert.True(t, std.Retryable)
}

func TestKeycloakClient_ValidateToken(t *testing.T) {
	var tokenCalls int32
	srv := fakeKeycloak(t, &tokenCalls)
	defer srv.Close()

	kc := NewKeycloakClient(srv.URL, "rentals", "queue", "secret")

	info, err := kc.ValidateToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "user-1", info.Sub)
	assert.True(t, info.HasRealmRole("admin"))
	assert.False(t, info.HasRealmRole("owner"))

	_, err = kc.ValidateToken(context.Background(), "expired")
	require.Error(t, err)
	assert.True(t, errors.IsAuthorization(err))
}
