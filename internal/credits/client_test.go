package credits

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateAndAddCredits(t *testing.T) {
	var gotAuth authRequest
	var gotCredits addCreditsRequest
	var gotBearer string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotAuth))
			json.NewEncoder(w).Encode(authResponse{Token: "jwt-token"})
		case "/users/credit/add":
			gotBearer = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCredits))
			w.Write([]byte(`{"success":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc@example.com", "secret", slog.Default())

	require.NoError(t, c.Authenticate(context.Background()))
	require.Equal(t, "jwt-token", c.Token())
	require.Equal(t, "svc@example.com", gotAuth.Email)
	require.Equal(t, "secret", gotAuth.Password)

	require.NoError(t, c.AddCredits(context.Background(), "ext-user-1", 100))
	require.Equal(t, "Bearer jwt-token", gotBearer)
	require.Equal(t, int64(100), gotCredits.Qty)
	require.Equal(t, "ext-user-1", gotCredits.UserID)
}

func TestAddCredits_RequiresToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "a@b.c", "pw", slog.Default())

	err := c.AddCredits(context.Background(), "ext-user-1", 10)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAddCredits_ValidatesInput(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "a@b.c", "pw", slog.Default())

	require.Error(t, c.AddCredits(context.Background(), "", 10))
	require.Error(t, c.AddCredits(context.Background(), "ext-user-1", 0))
}
