package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// fakeUpstream fakes the slice of the creator-store API the gateway
// talks to: credential lookup, license search, activation CRUD and the
// product endpoints. State is per API key so suite tests stay isolated.
type fakeUpstream struct {
	mu     sync.Mutex
	server *httptest.Server

	credentials map[string]*fakeCredential
	licenses    map[string]*fakeLicense
	activations map[string][]fakeActivation
	nextID      int
	outages     int
	calls       map[string]int
}

type fakeCredential struct {
	Name     string
	Username string
	Scopes   []string
	Revoked  bool
	Products []fakeProduct
}

type fakeLicense struct {
	ID          string
	ShortKey    string
	LongKey     string
	UserID      string
	Username    string
	ProductID   string
	ProductName string
	VersionID   string
}

type fakeProduct struct {
	ID       string
	Name     string
	Versions []fakeVersion
}

type fakeVersion struct {
	ID   string
	Name string
}

type fakeActivation struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{
		credentials: make(map[string]*fakeCredential),
		licenses:    make(map[string]*fakeLicense),
		activations: make(map[string][]fakeActivation),
		nextID:      1000,
		calls:       make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(f.auth)
	r.Get("/me", f.handleMe)
	r.Get("/licenses", f.handleSearch)
	r.Get("/licenses/{licenseID}", f.handleLicense)
	r.Get("/licenses/{licenseID}/activations", f.handleListActivations)
	r.Post("/licenses/{licenseID}/activations", f.handleCreateActivation)
	r.Delete("/licenses/{licenseID}/activations/{activationID}", f.handleDeleteActivation)
	r.Get("/products", f.handleListProducts)
	r.Get("/products/{productID}", f.handleProduct)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) registerKey(key string, cred fakeCredential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := cred
	f.credentials[key] = &c
}

func (f *fakeUpstream) revokeKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cred, ok := f.credentials[key]; ok {
		cred.Revoked = true
	}
}

func (f *fakeUpstream) addLicense(lic fakeLicense) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := lic
	f.licenses[lic.ID] = &l
}

func (f *fakeUpstream) addProduct(key string, p fakeProduct) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cred, ok := f.credentials[key]; ok {
		cred.Products = append(cred.Products, p)
	}
}

// breakFor makes the next n requests fail with HTTP 503 regardless of
// credentials.
func (f *fakeUpstream) breakFor(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outages = n
}

// activationsFor returns a copy of the license's activation list.
func (f *fakeUpstream) activationsFor(licenseID string) []fakeActivation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeActivation, len(f.activations[licenseID]))
	copy(out, f.activations[licenseID])
	return out
}

func (f *fakeUpstream) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeUpstream) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeUpstream) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		if f.outages > 0 {
			f.outages--
			f.mu.Unlock()
			writeUpstreamError(w, http.StatusServiceUnavailable, "Service Unavailable", "Upstream maintenance.")
			return
		}
		cred, ok := f.credentials[r.Header.Get("x-api-key")]
		f.mu.Unlock()
		if !ok || cred.Revoked {
			writeUpstreamError(w, http.StatusUnauthorized, "Unauthorized", "Invalid API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credentialFor snapshots the caller's credential. auth already proved
// the key exists.
func (f *fakeUpstream) credentialFor(r *http.Request) fakeCredential {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred := *f.credentials[r.Header.Get("x-api-key")]
	cred.Products = append([]fakeProduct(nil), cred.Products...)
	return cred
}

func (f *fakeUpstream) handleMe(w http.ResponseWriter, r *http.Request) {
	f.record("me")
	cred := f.credentialFor(r)
	writeUpstreamJSON(w, http.StatusOK, map[string]any{
		"name":     cred.Name,
		"username": cred.Username,
		"scopes":   cred.Scopes,
	})
}

func (f *fakeUpstream) handleSearch(w http.ResponseWriter, r *http.Request) {
	f.record("search")
	short := r.URL.Query().Get("short_key")
	long := r.URL.Query().Get("key")

	f.mu.Lock()
	results := make([]map[string]string, 0, 1)
	for _, lic := range f.licenses {
		if (short != "" && lic.ShortKey == short) ||
			(long != "" && strings.EqualFold(lic.LongKey, long)) {
			results = append(results, map[string]string{"id": lic.ID})
		}
	}
	f.mu.Unlock()

	writeUpstreamJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (f *fakeUpstream) handleLicense(w http.ResponseWriter, r *http.Request) {
	f.record("get_license")
	licenseID := chi.URLParam(r, "licenseID")

	f.mu.Lock()
	lic, ok := f.licenses[licenseID]
	count := len(f.activations[licenseID])
	f.mu.Unlock()
	if !ok {
		// The real store reports unknown licenses as a 500 whose body
		// claims an authorization failure.
		writeUpstreamJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Bad Request",
			"message": "You are not authorized.",
		})
		return
	}

	writeUpstreamJSON(w, http.StatusOK, map[string]any{
		"id":        lic.ID,
		"short_key": lic.ShortKey,
		"user": map[string]string{
			"id":       lic.UserID,
			"username": lic.Username,
		},
		"inventory_item": map[string]any{
			"target_id":         lic.ProductID,
			"target_version_id": lic.VersionID,
			"item":              map[string]string{"name": lic.ProductName},
		},
		"activations": map[string]int{"total_count": count},
	})
}

func (f *fakeUpstream) handleListActivations(w http.ResponseWriter, r *http.Request) {
	f.record("list_activations")
	licenseID := chi.URLParam(r, "licenseID")

	f.mu.Lock()
	results := make([]fakeActivation, len(f.activations[licenseID]))
	copy(results, f.activations[licenseID])
	f.mu.Unlock()

	writeUpstreamJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (f *fakeUpstream) handleCreateActivation(w http.ResponseWriter, r *http.Request) {
	f.record("create_activation")
	licenseID := chi.URLParam(r, "licenseID")

	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeUpstreamError(w, http.StatusBadRequest, "Bad Request", "Malformed body.")
		return
	}

	f.mu.Lock()
	if _, ok := f.licenses[licenseID]; !ok {
		f.mu.Unlock()
		writeUpstreamError(w, http.StatusNotFound, "Bad Request", "Resource not found.")
		return
	}
	f.nextID++
	activation := fakeActivation{
		ID:          strconv.Itoa(f.nextID),
		Description: req.Description,
	}
	f.activations[licenseID] = append(f.activations[licenseID], activation)
	f.mu.Unlock()

	writeUpstreamJSON(w, http.StatusOK, activation)
}

func (f *fakeUpstream) handleDeleteActivation(w http.ResponseWriter, r *http.Request) {
	f.record("delete_activation")
	licenseID := chi.URLParam(r, "licenseID")
	activationID := chi.URLParam(r, "activationID")

	f.mu.Lock()
	existing := f.activations[licenseID]
	kept := existing[:0]
	removed := false
	for _, a := range existing {
		if a.ID == activationID {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	f.activations[licenseID] = kept
	f.mu.Unlock()

	if !removed {
		writeUpstreamError(w, http.StatusNotFound, "Bad Request", "Resource not found.")
		return
	}
	writeUpstreamJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (f *fakeUpstream) handleListProducts(w http.ResponseWriter, r *http.Request) {
	f.record("list_products")
	cred := f.credentialFor(r)

	results := make([]map[string]string, 0, len(cred.Products))
	for _, p := range cred.Products {
		results = append(results, map[string]string{"id": p.ID, "name": p.Name})
	}
	writeUpstreamJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (f *fakeUpstream) handleProduct(w http.ResponseWriter, r *http.Request) {
	f.record("get_product")
	cred := f.credentialFor(r)
	productID := chi.URLParam(r, "productID")

	for _, p := range cred.Products {
		if p.ID != productID {
			continue
		}
		versions := make([]map[string]string, 0, len(p.Versions))
		for _, v := range p.Versions {
			versions = append(versions, map[string]string{"id": v.ID, "name": v.Name})
		}
		writeUpstreamJSON(w, http.StatusOK, map[string]any{
			"id":       p.ID,
			"name":     p.Name,
			"versions": versions,
		})
		return
	}
	writeUpstreamError(w, http.StatusNotFound, "Bad Request", "Resource not found.")
}

func writeUpstreamJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeUpstreamError(w http.ResponseWriter, status int, errLabel, message string) {
	writeUpstreamJSON(w, status, map[string]any{
		"status_code": status,
		"error":       errLabel,
		"message":     message,
	})
}
