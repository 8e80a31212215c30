package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cashstack/paygate/internal/payments"
	"github.com/cashstack/paygate/internal/storage"
	"github.com/cashstack/paygate/internal/users"
)

type fakeDeriver struct{}

func (fakeDeriver) DeriveAddress(index uint32) (string, error) {
	return fmt.Sprintf("bitcoincash:qaddr%d", index), nil
}

type fakeRates struct{}

func (fakeRates) USDPrice(context.Context) (float64, error) { return 250, nil }

func newTestServer(t *testing.T) (*Server, *storage.Storage) {
	t.Helper()

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	userSvc := users.New(store, fakeDeriver{}, []byte("test-secret"), slog.Default())
	paySvc := payments.New(store, fakeRates{}, nil, slog.Default())
	return NewServer(userSvc, paySvc, slog.Default()), store
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createTestUser(t *testing.T, router http.Handler, email string) (string, string) {
	t.Helper()

	rec := doJSON(t, router, "POST", "/users", "", map[string]any{
		"user": map[string]any{"email": email, "password": "secret", "externalId": "ext-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	userData := out["userData"].(map[string]any)
	return userData["id"].(string), out["token"].(string)
}

func TestCreateAndGetUser(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	id, token := createTestUser(t, router, "a@b.c")

	rec := doJSON(t, router, "GET", "/users/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	user := decode(t, rec)["user"].(map[string]any)
	require.Equal(t, "a@b.c", user["email"])
	require.Equal(t, "bitcoincash:qaddr0", user["walletAddress"])
	require.NotContains(t, user, "passwordHash")
}

func TestCreateUser_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, "POST", "/users", "", map[string]any{
		"user": map[string]any{"email": "", "password": "secret"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, "GET", "/payments", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, "GET", "/payments", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserListingIsAdminOnly(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	id, token := createTestUser(t, router, "a@b.c")

	rec := doJSON(t, router, "GET", "/users", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Promote directly in the store, then list.
	user, err := store.GetUser(id)
	require.NoError(t, err)
	user.Type = "admin"
	require.NoError(t, store.UpdateUser(user))

	rec = doJSON(t, router, "GET", "/users", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["users"], 1)
}

func TestPaymentLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	id, token := createTestUser(t, router, "a@b.c")

	rec := doJSON(t, router, "POST", "/payments", token, map[string]any{
		"payment": map[string]any{"userId": id, "type": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	payment := decode(t, rec)["payment"].(map[string]any)
	require.Equal(t, "in-process", payment["status"])
	require.Equal(t, 4.99, payment["priceUSD"])
	payID := payment["id"].(string)

	// A second in-process payment is rejected.
	rec = doJSON(t, router, "POST", "/payments", token, map[string]any{
		"payment": map[string]any{"userId": id, "type": 2},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, "POST", "/payments/cancel/"+payID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payment = decode(t, rec)["payment"].(map[string]any)
	require.Equal(t, "cancelled", payment["status"])

	rec = doJSON(t, router, "DELETE", "/payments/"+payID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/payments/"+payID, token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddressByExternalID(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	_, token := createTestUser(t, router, "a@b.c")

	rec := doJSON(t, router, "GET", "/users/address/ext-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	require.Equal(t, "bitcoincash:qaddr0", out["address"])

	rec = doJSON(t, router, "GET", "/users/address/ext-unknown", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
