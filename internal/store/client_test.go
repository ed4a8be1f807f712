package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "keygate/internal/errors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Options{
		BaseURL:          server.URL,
		APIKey:           "test-api-key",
		Timeout:          5 * time.Second,
		UserAgent:        "keygate-test",
		FetchConcurrency: 2,
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
}

func TestLookupLicense(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /licenses", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "keygate-test", r.Header.Get("User-Agent"))
		switch r.URL.Query().Get(ShortKeyParam) {
		case "XXXX-123456789abc":
			writeJSON(t, w, http.StatusOK, `{"results":[{"id":"lic-1"}]}`)
		default:
			writeJSON(t, w, http.StatusOK, `{"results":[]}`)
		}
	})
	client := newTestClient(t, mux)

	ids, err := client.LookupLicense(context.Background(), ShortKeyParam, "XXXX-123456789abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"lic-1"}, ids)

	ids, err = client.LookupLicense(context.Background(), ShortKeyParam, "XXXX-000000000000")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetLicense(t *testing.T) {
	const body = `{
		"id": "lic-1",
		"short_key": "XXXX-123456789abc",
		"user": {"id": "user-9", "username": "creator"},
		"inventory_item": {
			"target_id": "prod-1",
			"target_version_id": "ver-2",
			"item": {"name": "Avatar Base"}
		},
		"activations": {"total_count": 3}
	}`
	mux := http.NewServeMux()
	mux.HandleFunc("GET /licenses/{licenseID}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("licenseID") == "lic-1" {
			writeJSON(t, w, http.StatusOK, body)
			return
		}
		// Unknown IDs come back as a 500 with the real status buried in
		// the body.
		writeJSON(t, w, http.StatusInternalServerError,
			`{"status_code":500,"error":"Bad Request","message":"You are not authorized.","code":"GRAPHQL_ERROR"}`)
	})
	client := newTestClient(t, mux)

	detail, err := client.GetLicense(context.Background(), "lic-1")
	require.NoError(t, err)
	assert.Equal(t, "lic-1", detail.ID)
	assert.Equal(t, "XXXX-123456789abc", detail.ShortKey)
	assert.Equal(t, "user-9", detail.UserID)
	assert.Equal(t, "prod-1", detail.ProductID)
	assert.Equal(t, "Avatar Base", detail.ProductName)
	assert.Equal(t, "ver-2", detail.VersionID)
	assert.Equal(t, 3, detail.ActivationCount)

	_, err = client.GetLicense(context.Background(), "lic-bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetLicensePlainNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /licenses/{licenseID}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusNotFound, `{"status_code":404,"error":"Not Found","message":"no such license"}`)
	})
	client := newTestClient(t, mux)

	_, err := client.GetLicense(context.Background(), "lic-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetLicenseUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /licenses/{licenseID}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, `{"message":"bad key"}`)
	})
	client := newTestClient(t, mux)

	_, err := client.GetLicense(context.Background(), "lic-1")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamAuthInvalid)
}

func TestListActivations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /licenses/{licenseID}/activations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lic-1", r.PathValue("licenseID"))
		writeJSON(t, w, http.StatusOK,
			`{"results":[{"id":"act-1","description":"identity:user-a"},{"id":"act-2","description":"gift for a friend"}]}`)
	})
	client := newTestClient(t, mux)

	activations, err := client.ListActivations(context.Background(), "lic-1")
	require.NoError(t, err)
	require.Len(t, activations, 2)
	assert.Equal(t, "act-1", activations[0].ID)
	assert.Equal(t, "identity:user-a", activations[0].Description)
}

func TestCreateActivation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /licenses/{licenseID}/activations", func(w http.ResponseWriter, r *http.Request) {
		var req createActivationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "identity:user-a", req.Description)
		writeJSON(t, w, http.StatusCreated, `{"id":"act-9","description":"identity:user-a"}`)
	})
	client := newTestClient(t, mux)

	activation, err := client.CreateActivation(context.Background(), "lic-1", "identity:user-a")
	require.NoError(t, err)
	assert.Equal(t, "act-9", activation.ID)
}

func TestDeleteActivation(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{
			name:   "deleted",
			status: http.StatusNoContent,
		},
		{
			name:   "already gone as embedded 404",
			status: http.StatusInternalServerError,
			body:   `{"status_code":500,"error":"Bad Request","message":"Resource not found.","code":"GRAPHQL_ERROR"}`,
		},
		{
			name:    "upstream failure",
			status:  http.StatusInternalServerError,
			body:    `{"message":"database exploded"}`,
			wantErr: apperrors.ErrUpstreamTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("DELETE /licenses/{licenseID}/activations/{activationID}", func(w http.ResponseWriter, _ *http.Request) {
				if tt.body == "" {
					w.WriteHeader(tt.status)
					return
				}
				writeJSON(t, w, tt.status, tt.body)
			})
			client := newTestClient(t, mux)

			err := client.DeleteActivation(context.Background(), "lic-1", "act-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, wantErr: apperrors.ErrUpstreamAuthInvalid},
		{name: "forbidden", status: http.StatusForbidden, body: `{}`, wantErr: apperrors.ErrUpstreamAuthInvalid},
		{
			name:    "embedded forbidden",
			status:  http.StatusInternalServerError,
			body:    `{"status_code":500,"error":"Bad Request","message":"You are not authorized.","code":"GRAPHQL_ERROR"}`,
			wantErr: apperrors.ErrUpstreamAuthInvalid,
		},
		{name: "not found", status: http.StatusNotFound, body: `{}`, wantErr: ErrNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantErr: apperrors.ErrUpstreamTransient},
		{name: "server error", status: http.StatusInternalServerError, body: `{}`, wantErr: apperrors.ErrUpstreamTransient},
		{name: "bad gateway", status: http.StatusBadGateway, body: `{}`, wantErr: apperrors.ErrUpstreamTransient},
		{name: "teapot", status: http.StatusTeapot, body: `{}`, wantErr: apperrors.ErrUpstreamUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /products", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(t, w, tt.status, tt.body)
			})
			client := newTestClient(t, mux)

			_, err := client.ListProducts(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client := NewClient(Options{BaseURL: server.URL, Timeout: time.Second})

	_, err := client.ListProducts(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUpstreamTransient)
}

func TestFullCatalog(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK,
			`{"results":[{"id":"prod-1","name":"Avatar"},{"id":"prod-2","name":"Outfit"},{"id":"prod-3","name":"Props"}]}`)
	})
	mux.HandleFunc("GET /products/{productID}", func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		id := r.PathValue("productID")
		writeJSON(t, w, http.StatusOK,
			`{"id":"`+id+`","name":"Product `+id+`","versions":[{"id":"ver-1","name":"PC"}]}`)
	})
	client := newTestClient(t, mux)

	details, err := client.FullCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, details, 3)
	// Results keep listing order despite concurrent fetches.
	assert.Equal(t, "prod-1", details[0].ID)
	assert.Equal(t, "prod-3", details[2].ID)
	require.Len(t, details[0].Versions, 1)
	assert.Equal(t, "PC", details[0].Versions[0].Name)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestFullCatalogPropagatesFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, `{"results":[{"id":"prod-1","name":"Avatar"}]}`)
	})
	mux.HandleFunc("GET /products/{productID}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusServiceUnavailable, `{}`)
	})
	client := newTestClient(t, mux)

	_, err := client.FullCatalog(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUpstreamTransient)
}

func TestCurrentUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK,
			`{"name":"","username":"creator","scopes":["licenses_read","products_read"]}`)
	})
	client := newTestClient(t, mux)

	user, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "creator", user.DisplayName())
	assert.Equal(t, []string{ScopeLicensesWrite}, user.MissingScopes())
}

func TestAuthUserDisplayName(t *testing.T) {
	user := &AuthUser{Name: "Display", Username: "fallback"}
	assert.Equal(t, "Display", user.DisplayName())

	user = &AuthUser{Name: "   ", Username: "fallback"}
	assert.Equal(t, "fallback", user.DisplayName())
}
