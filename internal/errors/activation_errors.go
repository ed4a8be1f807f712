package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Domain sentinel errors for the activation protocol and the upstream
// store API. The interactive path never retries any of these; the
// scheduler retries transient errors on its next cycle only.
var (
	// ErrInvalidLicense covers unknown keys, foreign vendor formats, and
	// lookups that resolved to nothing.
	ErrInvalidLicense = errors.New("invalid license")

	// ErrLicenseLocked means the license is disabled and must never gain
	// a new activation.
	ErrLicenseLocked = errors.New("license locked")

	// ErrAlreadyActivated means the license belongs to a different
	// identity. For the identity that already owns it the same condition
	// is a benign idempotent success, not this error.
	ErrAlreadyActivated = errors.New("license already activated")

	// ErrUpstreamAuthInvalid means the store API key was rejected.
	// Remediation is on the operator, not the end user.
	ErrUpstreamAuthInvalid = errors.New("store credentials rejected")

	// ErrUpstreamTransient covers network failures, 429 and 5xx replies.
	ErrUpstreamTransient = errors.New("store temporarily unavailable")

	// ErrUpstreamUnexpected covers response shapes we cannot map. Fatal
	// to the specific request, logged for diagnosis.
	ErrUpstreamUnexpected = errors.New("unexpected store response")

	// ErrStoreNotLinked means no credential exists for the store id.
	ErrStoreNotLinked = errors.New("store not linked")

	// ErrMissingScopes means a credential authenticated but lacks the
	// API scopes the gateway needs.
	ErrMissingScopes = errors.New("credential missing required scopes")

	// ErrIdentityReserved rejects the lock marker identity on user paths.
	ErrIdentityReserved = errors.New("identity is reserved")

	// ErrActivationNotFound means no gateway-tagged activation exists for
	// the requested identity on that license.
	ErrActivationNotFound = errors.New("activation not found")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`

	// Headers are set on the response before the body is written.
	Headers map[string]string `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	for k, v := range pd.Headers {
		w.Header().Set(k, v)
	}
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// WithHeader sets a response header emitted alongside the problem body
func (pd *ProblemDetails) WithHeader(key, value string) *ProblemDetails {
	if pd.Headers == nil {
		pd.Headers = make(map[string]string)
	}
	pd.Headers[key] = value
	return pd
}

// NewInvalidLicenseError creates the problem returned for keys that do
// not resolve to a license in the store.
func NewInvalidLicenseError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		"/errors/invalid-license",
		"Invalid License Key",
		"The license key does not match any license in this store. Check the key and try again.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "INVALID_LICENSE").
		WithExtension("trace_id", traceID)
}

// NewForeignKeyError creates the invalid-license problem for input that
// matches another vendor's key format. Naming the detected format helps
// buyers who pasted a key from the wrong store.
func NewForeignKeyError(detected, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		"/errors/invalid-license",
		"Invalid License Key",
		fmt.Sprintf("The provided value looks like %s, not a license key for this store. Check where the product was purchased.", detected),
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "INVALID_LICENSE").
		WithExtension("trace_id", traceID)
}

// NewLicenseLockedError creates the problem returned for locked licenses
func NewLicenseLockedError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusLocked,
		"/errors/license-locked",
		"License Locked",
		"This license has been locked and cannot be activated. Contact the seller if you believe this is a mistake.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "LICENSE_LOCKED").
		WithExtension("trace_id", traceID)
}

// NewAlreadyActivatedError creates the problem returned when a license
// belongs to a different identity.
func NewAlreadyActivatedError(registeredIdentity, traceID string) *ProblemDetails {
	problem := NewProblemDetails(
		http.StatusConflict,
		"/errors/already-activated",
		"License Already Activated",
		"This license is already registered to a different user. Licenses grant access to one user at a time.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "ALREADY_ACTIVATED").
		WithExtension("trace_id", traceID)

	if registeredIdentity != "" {
		problem.WithExtension("registered_identity", registeredIdentity)
	}

	return problem
}

// NewStoreCredentialsInvalidError creates the problem returned when the
// upstream rejects the stored API key. The fix belongs to the operator
// who linked the store, so the detail says so explicitly.
func NewStoreCredentialsInvalidError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadGateway,
		"/errors/store-credentials-invalid",
		"Store Credentials Invalid",
		"The store's API key was rejected by the upstream provider. A store administrator must relink the store with a valid key.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "STORE_CREDENTIALS_INVALID").
		WithExtension("trace_id", traceID).
		WithExtension("remediation", "operator")
}

// NewStoreUnavailableError creates the problem returned for transient
// upstream failures.
func NewStoreUnavailableError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusServiceUnavailable,
		"/errors/store-unavailable",
		"Store Temporarily Unavailable",
		"The upstream store did not respond. Try again shortly.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "STORE_UNAVAILABLE").
		WithExtension("trace_id", traceID).
		WithHeader("Retry-After", "30")
}

// NewStoreUnexpectedError creates the problem returned when the upstream
// reply could not be mapped.
func NewStoreUnexpectedError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/store-unexpected",
		"Unexpected Store Response",
		"The upstream store returned a response the gateway could not interpret.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "STORE_UNEXPECTED").
		WithExtension("trace_id", traceID)
}

// NewStoreNotLinkedError creates the problem returned for unknown stores
func NewStoreNotLinkedError(storeID, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		"/errors/store-not-linked",
		"Store Not Linked",
		"No credential is registered for this store. Link the store before using it.",
		fmt.Sprintf("/api/stores/%s#%s", storeID, traceID),
	).WithExtension("error_code", "STORE_NOT_LINKED").
		WithExtension("trace_id", traceID).
		WithExtension("store_id", storeID)
}

// NewMissingScopesError creates the problem returned when a credential
// lacks required API scopes at link time.
func NewMissingScopesError(missing []string, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusUnprocessableEntity,
		"/errors/missing-scopes",
		"Credential Missing Required Scopes",
		"The API key authenticated but does not carry all scopes the gateway needs.",
		fmt.Sprintf("/api/stores#%s", traceID),
	).WithExtension("error_code", "MISSING_SCOPES").
		WithExtension("trace_id", traceID).
		WithExtension("missing_scopes", missing)
}

// NewActivationNotFoundError creates the problem returned when a
// deactivation targets an identity with no activation on the license.
func NewActivationNotFoundError(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		"/errors/activation-not-found",
		"Activation Not Found",
		"No activation owned by that identity exists on this license.",
		fmt.Sprintf("/api/activations#%s", traceID),
	).WithExtension("error_code", "ACTIVATION_NOT_FOUND").
		WithExtension("trace_id", traceID)
}

// MapActivationError maps domain errors to HTTP problem details
func MapActivationError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/activations#%s", traceID)

	switch {
	case errors.Is(err, ErrInvalidLicense):
		return NewInvalidLicenseError(traceID)

	case errors.Is(err, ErrLicenseLocked):
		return NewLicenseLockedError(traceID)

	case errors.Is(err, ErrAlreadyActivated):
		return NewAlreadyActivatedError("", traceID)

	case errors.Is(err, ErrUpstreamAuthInvalid):
		return NewStoreCredentialsInvalidError(traceID)

	case errors.Is(err, ErrUpstreamTransient):
		return NewStoreUnavailableError(traceID)

	case errors.Is(err, ErrUpstreamUnexpected):
		return NewStoreUnexpectedError(traceID)

	case errors.Is(err, ErrStoreNotLinked):
		return NewStoreNotLinkedError("", traceID)

	case errors.Is(err, ErrMissingScopes):
		return NewMissingScopesError(nil, traceID)

	case errors.Is(err, ErrActivationNotFound):
		return NewActivationNotFoundError(traceID)

	case errors.Is(err, ErrIdentityReserved):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/identity-reserved",
			"Identity Reserved",
			"This identity value is reserved for administrative locks and cannot own activations.",
			instance,
		).WithExtension("error_code", "IDENTITY_RESERVED").
			WithExtension("trace_id", traceID)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("error_code", "INTERNAL_ERROR").
			WithExtension("trace_id", traceID)
	}
}
