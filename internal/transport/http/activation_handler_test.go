package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "keygate/internal/errors"
	"keygate/internal/license"
)

// MockActivationService implements services.ActivationService for testing
type MockActivationService struct {
	mock.Mock
}

func (m *MockActivationService) Activate(ctx context.Context, storeID, licenseKey, identity string) (*license.Result, error) {
	args := m.Called(ctx, storeID, licenseKey, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*license.Result), args.Error(1)
}

func (m *MockActivationService) Deactivate(ctx context.Context, storeID, licenseRef, identity string) error {
	args := m.Called(ctx, storeID, licenseRef, identity)
	return args.Error(0)
}

func (m *MockActivationService) Lock(ctx context.Context, storeID, licenseRef string) error {
	args := m.Called(ctx, storeID, licenseRef)
	return args.Error(0)
}

func (m *MockActivationService) Unlock(ctx context.Context, storeID, licenseRef string) error {
	args := m.Called(ctx, storeID, licenseRef)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newActivationRouter(service *MockActivationService) chi.Router {
	logger := testLogger()
	handler := NewActivationHandler(service, apperrors.NewErrorHandler(logger, false), logger)

	r := chi.NewRouter()
	r.Post("/api/stores/{storeID}/activations", handler.Activate)
	r.Route("/api/stores/{storeID}/licenses/{licenseID}", func(r chi.Router) {
		r.Delete("/activations/{identity}", handler.Deactivate)
		r.Post("/lock", handler.Lock)
		r.Delete("/lock", handler.Unlock)
	})
	return r
}

func doJSON(t *testing.T, router chi.Router, method, target string, payload interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reqBody)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode == http.StatusNoContent {
		return res, nil
	}

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res, body
}

func TestActivationHandler_Activate(t *testing.T) {
	tests := []struct {
		name           string
		payload        interface{}
		setupMock      func(*MockActivationService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name:    "new activation",
			payload: map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "A1B2-cd071c534191", "user-1").Return(&license.Result{
					Status:       license.StatusActivated,
					LicenseID:    "lic-1",
					ActivationID: "act-1",
					Identity:     "user-1",
					ProductName:  "Prop Pack",
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "activated", body["status"])
				activation, ok := body["activation"].(map[string]interface{})
				require.True(t, ok)
				assert.Equal(t, "lic-1", activation["license_id"])
				assert.Equal(t, "act-1", activation["activation_id"])
				assert.Equal(t, "Prop Pack", activation["product_name"])
			},
		},
		{
			name:    "idempotent re-activation",
			payload: map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "A1B2-cd071c534191", "user-1").Return(&license.Result{
					Status:       license.StatusAlreadyActivated,
					LicenseID:    "lic-1",
					ActivationID: "act-1",
					Identity:     "user-1",
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "already_activated", body["status"])
			},
		},
		{
			name:    "license owned by another identity",
			payload: map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user-2"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "A1B2-cd071c534191", "user-2").
					Return(nil, &license.ConflictError{RegisteredIdentity: "user-1"})
			},
			expectedStatus: http.StatusConflict,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/already-activated", body["type"])
				assert.Equal(t, "user-1", body["registered_identity"])
			},
		},
		{
			name:    "unknown license key",
			payload: map[string]string{"license_key": "ZZZZ-000000000000", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "ZZZZ-000000000000", "user-1").
					Return(nil, fmt.Errorf("lookup: %w", apperrors.ErrInvalidLicense))
			},
			expectedStatus: http.StatusNotFound,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/invalid-license", body["type"])
				assert.Equal(t, "INVALID_LICENSE", body["error_code"])
			},
		},
		{
			name:    "gumroad key pasted by mistake",
			payload: map[string]string{"license_key": "ABCD1234-1234FEDC-0987A321-A2B3C5D6", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				_, keyErr := license.UntrustedKey("ABCD1234-1234FEDC-0987A321-A2B3C5D6")
				m.On("Activate", mock.Anything, "acme", "ABCD1234-1234FEDC-0987A321-A2B3C5D6", "user-1").
					Return(nil, fmt.Errorf("%w: %w", keyErr, apperrors.ErrInvalidLicense))
			},
			expectedStatus: http.StatusNotFound,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/invalid-license", body["type"])
				assert.Contains(t, body["detail"], "a Gumroad key")
			},
		},
		{
			name:    "locked license",
			payload: map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "A1B2-cd071c534191", "user-1").
					Return(nil, apperrors.ErrLicenseLocked)
			},
			expectedStatus: http.StatusLocked,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/license-locked", body["type"])
			},
		},
		{
			name:    "store temporarily unavailable",
			payload: map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "A1B2-cd071c534191", "user-1").
					Return(nil, apperrors.ErrUpstreamTransient)
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/store-unavailable", body["type"])
			},
		},
		{
			name:    "store not linked",
			payload: map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user-1"},
			setupMock: func(m *MockActivationService) {
				m.On("Activate", mock.Anything, "acme", "A1B2-cd071c534191", "user-1").
					Return(nil, fmt.Errorf("store %q: %w", "acme", apperrors.ErrStoreNotLinked))
			},
			expectedStatus: http.StatusNotFound,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/store-not-linked", body["type"])
				assert.Equal(t, "acme", body["store_id"])
			},
		},
		{
			name:           "missing identity",
			payload:        map[string]string{"license_key": "A1B2-cd071c534191"},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/validation", body["type"])
				assert.Equal(t, "identity is required", body["details"])
			},
		},
		{
			name:           "missing license key",
			payload:        map[string]string{"identity": "user-1"},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/validation", body["type"])
				assert.Equal(t, "license_key is required", body["details"])
			},
		},
		{
			name:           "reserved lock identity",
			payload:        map[string]string{"license_key": "A1B2-cd071c534191", "identity": "0"},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/identity-reserved", body["type"])
			},
		},
		{
			name:           "identity with forbidden characters",
			payload:        map[string]string{"license_key": "A1B2-cd071c534191", "identity": "user name"},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/validation", body["type"])
				assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockActivationService)
			if tt.setupMock != nil {
				tt.setupMock(mockService)
			}
			router := newActivationRouter(mockService)

			res, body := doJSON(t, router, http.MethodPost, "/api/stores/acme/activations", tt.payload)

			assert.Equal(t, tt.expectedStatus, res.StatusCode)
			if tt.expectedBody != nil {
				tt.expectedBody(t, body)
			}
			mockService.AssertExpectations(t)
		})
	}
}

func TestActivationHandler_Activate_MalformedJSON(t *testing.T) {
	mockService := new(MockActivationService)
	router := newActivationRouter(mockService)

	req := httptest.NewRequest(http.MethodPost, "/api/stores/acme/activations", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "/errors/validation", body["type"])
	assert.Equal(t, "INVALID_REQUEST", body["error_code"])
	mockService.AssertExpectations(t)
}

func TestActivationHandler_Deactivate(t *testing.T) {
	t.Run("removes the activation", func(t *testing.T) {
		mockService := new(MockActivationService)
		mockService.On("Deactivate", mock.Anything, "acme", "lic-1", "user-1").Return(nil)
		router := newActivationRouter(mockService)

		res, body := doJSON(t, router, http.MethodDelete, "/api/stores/acme/licenses/lic-1/activations/user-1", nil)

		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "deactivated", body["status"])
		assert.Equal(t, "lic-1", body["license"])
		assert.Equal(t, "user-1", body["identity"])
		mockService.AssertExpectations(t)
	})

	t.Run("no activation for the identity", func(t *testing.T) {
		mockService := new(MockActivationService)
		mockService.On("Deactivate", mock.Anything, "acme", "lic-1", "user-9").
			Return(apperrors.ErrActivationNotFound)
		router := newActivationRouter(mockService)

		res, body := doJSON(t, router, http.MethodDelete, "/api/stores/acme/licenses/lic-1/activations/user-9", nil)

		assert.Equal(t, http.StatusNotFound, res.StatusCode)
		assert.Equal(t, "/errors/activation-not-found", body["type"])
		mockService.AssertExpectations(t)
	})
}

func TestActivationHandler_LockUnlock(t *testing.T) {
	t.Run("lock", func(t *testing.T) {
		mockService := new(MockActivationService)
		mockService.On("Lock", mock.Anything, "acme", "lic-1").Return(nil)
		router := newActivationRouter(mockService)

		res, body := doJSON(t, router, http.MethodPost, "/api/stores/acme/licenses/lic-1/lock", nil)

		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "locked", body["status"])
		mockService.AssertExpectations(t)
	})

	t.Run("unlock", func(t *testing.T) {
		mockService := new(MockActivationService)
		mockService.On("Unlock", mock.Anything, "acme", "lic-1").Return(nil)
		router := newActivationRouter(mockService)

		res, body := doJSON(t, router, http.MethodDelete, "/api/stores/acme/licenses/lic-1/lock", nil)

		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "unlocked", body["status"])
		mockService.AssertExpectations(t)
	})

	t.Run("lock on unknown license", func(t *testing.T) {
		mockService := new(MockActivationService)
		mockService.On("Lock", mock.Anything, "acme", "nope").
			Return(fmt.Errorf("resolve: %w", apperrors.ErrInvalidLicense))
		router := newActivationRouter(mockService)

		res, body := doJSON(t, router, http.MethodPost, "/api/stores/acme/licenses/nope/lock", nil)

		assert.Equal(t, http.StatusNotFound, res.StatusCode)
		assert.Equal(t, "/errors/invalid-license", body["type"])
		mockService.AssertExpectations(t)
	})
}
