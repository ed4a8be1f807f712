package store

import "strings"

// API scopes a linked credential must carry.
const (
	ScopeLicensesRead  = "licenses_read"
	ScopeLicensesWrite = "licenses_write"
	ScopeProductsRead  = "products_read"
)

// RequiredScopes lists every scope the gateway needs to operate a store.
var RequiredScopes = []string{ScopeLicensesRead, ScopeLicensesWrite, ScopeProductsRead}

// LicenseDetail is the flattened view of an upstream license record.
type LicenseDetail struct {
	ID              string
	ShortKey        string
	UserID          string
	Username        string
	ProductID       string
	ProductName     string
	VersionID       string
	ActivationCount int
}

// Activation is one upstream license activation. Description carries
// the gateway's ownership tag; activations created out-of-band hold
// arbitrary text.
type Activation struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Product is the partial product record from the listing endpoint.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProductVersion is a single version of a product.
type ProductVersion struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProductDetail is the full product record, including versions.
type ProductDetail struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Versions []ProductVersion `json:"versions"`
}

// AuthUser is the owner of an API credential as reported by /me.
type AuthUser struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
}

// DisplayName prefers the custom display name over the username.
func (u *AuthUser) DisplayName() string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return u.Username
}

// MissingScopes reports which required scopes the credential lacks.
func (u *AuthUser) MissingScopes() []string {
	granted := make(map[string]bool, len(u.Scopes))
	for _, scope := range u.Scopes {
		granted[scope] = true
	}
	var missing []string
	for _, scope := range RequiredScopes {
		if !granted[scope] {
			missing = append(missing, scope)
		}
	}
	return missing
}

type licenseSearchResponse struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

type licenseResponse struct {
	ID       string `json:"id"`
	ShortKey string `json:"short_key"`
	User     struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	InventoryItem struct {
		TargetID        string `json:"target_id"`
		TargetVersionID string `json:"target_version_id"`
		Item            struct {
			Name string `json:"name"`
		} `json:"item"`
	} `json:"inventory_item"`
	Activations struct {
		TotalCount int `json:"total_count"`
	} `json:"activations"`
}

func (r *licenseResponse) toDetail() *LicenseDetail {
	return &LicenseDetail{
		ID:              r.ID,
		ShortKey:        r.ShortKey,
		UserID:          r.User.ID,
		Username:        r.User.Username,
		ProductID:       r.InventoryItem.TargetID,
		ProductName:     r.InventoryItem.Item.Name,
		VersionID:       r.InventoryItem.TargetVersionID,
		ActivationCount: r.Activations.TotalCount,
	}
}

type activationListResponse struct {
	Results []Activation `json:"results"`
}

type productListResponse struct {
	Results []Product `json:"results"`
}

type createActivationRequest struct {
	Description string `json:"description"`
}

// upstreamErrorBody is the error envelope the upstream returns. The
// outer HTTP status is often a blanket 500 with the real status only
// present inside this body.
type upstreamErrorBody struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}

func (e *upstreamErrorBody) looksLikeForbidden() bool {
	return e.StatusCode == 403 ||
		(e.Error == "Bad Request" && e.Message == "You are not authorized.")
}

func (e *upstreamErrorBody) looksLikeNotFound() bool {
	return e.StatusCode == 404 ||
		(e.Error == "Bad Request" && e.Message == "Resource not found.")
}
