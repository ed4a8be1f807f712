// Package store implements the client for the upstream creator-store
// API. All license and catalog truth lives behind this client; the rest
// of the gateway only caches it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
)

// Query parameters for license key lookup. Short keys and long keys
// search different fields upstream.
const (
	ShortKeyParam = "short_key"
	LongKeyParam  = "key"
)

// ErrNotFound reports that the upstream has no such resource.
var ErrNotFound = errors.New("not found upstream")

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string

	// FetchConcurrency bounds the per-product fan-out in FullCatalog.
	FetchConcurrency int

	// RequestsPerSecond throttles outbound calls. Zero disables the
	// limiter; interactive paths should stay unthrottled.
	RequestsPerSecond float64
	Burst             int

	Metrics *infrastructure.Metrics
	Logger  *slog.Logger
}

// Client is a typed HTTP client for one store credential.
type Client struct {
	http             *resty.Client
	fetchConcurrency int
	metrics          *infrastructure.Metrics
	logger           *slog.Logger
}

// NewClient builds a client bound to one API key.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetchConcurrency := opts.FetchConcurrency
	if fetchConcurrency < 1 {
		fetchConcurrency = 1
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("x-api-key", opts.APIKey)

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}

	return &Client{
		http:             httpClient,
		fetchConcurrency: fetchConcurrency,
		metrics:          opts.Metrics,
		logger:           logger,
	}
}

// LookupLicense resolves a license key to candidate license IDs. Zero
// results means the key is unknown; more than one means the key is
// ambiguous and the caller must reject it.
func (c *Client) LookupLicense(ctx context.Context, searchParam, key string) ([]string, error) {
	const operation = "lookup_license"
	start := time.Now()

	var result licenseSearchResponse
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam(searchParam, key).
		SetResult(&result).
		Get("/licenses")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if err := classify(operation, resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.Results))
	for _, r := range result.Results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// GetLicense fetches one license by ID. The upstream reports unknown
// IDs as authorization failures, so both not-found and forbidden map to
// ErrNotFound here.
func (c *Client) GetLicense(ctx context.Context, licenseID string) (*LicenseDetail, error) {
	const operation = "get_license"
	start := time.Now()

	var result licenseResponse
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("licenseID", licenseID).
		SetResult(&result).
		Get("/licenses/{licenseID}")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if resp.IsSuccess() {
		return result.toDetail(), nil
	}

	status, body := effectiveStatus(resp)
	if status == http.StatusForbidden || status == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", operation, licenseID, ErrNotFound)
	}
	return nil, classifyStatus(operation, status, body)
}

// ListActivations fetches every activation of a license.
func (c *Client) ListActivations(ctx context.Context, licenseID string) ([]Activation, error) {
	const operation = "list_activations"
	start := time.Now()

	var result activationListResponse
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("licenseID", licenseID).
		SetResult(&result).
		Get("/licenses/{licenseID}/activations")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if err := classify(operation, resp); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// CreateActivation creates an activation with the given description.
func (c *Client) CreateActivation(ctx context.Context, licenseID, description string) (*Activation, error) {
	const operation = "create_activation"
	start := time.Now()

	var result Activation
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("licenseID", licenseID).
		SetBody(createActivationRequest{Description: description}).
		SetResult(&result).
		Post("/licenses/{licenseID}/activations")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if err := classify(operation, resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteActivation deletes one activation. Deleting an activation that
// is already gone succeeds.
func (c *Client) DeleteActivation(ctx context.Context, licenseID, activationID string) error {
	const operation = "delete_activation"
	start := time.Now()

	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("licenseID", licenseID).
		SetPathParam("activationID", activationID).
		Delete("/licenses/{licenseID}/activations/{activationID}")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return transportError(operation, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	status, body := effectiveStatus(resp)
	if status == http.StatusNotFound {
		c.logger.DebugContext(ctx, "activation already gone upstream",
			"license_id", licenseID, "activation_id", activationID)
		return nil
	}
	return classifyStatus(operation, status, body)
}

// ListProducts fetches the partial product listing. Version data needs
// a per-product call; see FullCatalog.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	const operation = "list_products"
	start := time.Now()

	var result productListResponse
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&result).
		Get("/products")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if err := classify(operation, resp); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// GetProduct fetches one product including its versions.
func (c *Client) GetProduct(ctx context.Context, productID string) (*ProductDetail, error) {
	const operation = "get_product"
	start := time.Now()

	var result ProductDetail
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("productID", productID).
		SetResult(&result).
		Get("/products/{productID}")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if err := classify(operation, resp); err != nil {
		return nil, err
	}
	return &result, nil
}

// FullCatalog fetches every product with its versions. The listing
// endpoint omits versions, so this costs one extra call per product,
// bounded by the configured concurrency.
func (c *Client) FullCatalog(ctx context.Context) ([]ProductDetail, error) {
	products, err := c.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]ProductDetail, len(products))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchConcurrency)
	for i, product := range products {
		g.Go(func() error {
			detail, err := c.GetProduct(ctx, product.ID)
			if err != nil {
				return err
			}
			details[i] = *detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

// CurrentUser fetches the credential owner. Used when linking a store
// to verify the key works and carries the required scopes.
func (c *Client) CurrentUser(ctx context.Context) (*AuthUser, error) {
	const operation = "current_user"
	start := time.Now()

	var result AuthUser
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&result).
		Get("/me")
	c.observe(ctx, operation, start, resp, err)
	if err != nil {
		return nil, transportError(operation, err)
	}
	if err := classify(operation, resp); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) observe(ctx context.Context, operation string, start time.Time, resp *resty.Response, err error) {
	duration := time.Since(start)
	if err != nil {
		infrastructure.RecordStoreRequest(ctx, c.metrics, operation, "transport_error", duration)
		c.logger.DebugContext(ctx, "store API call failed",
			"operation", operation, "duration_ms", duration.Milliseconds(), "error", err)
		return
	}
	infrastructure.RecordStoreRequest(ctx, c.metrics, operation, strconv.Itoa(resp.StatusCode()), duration)
	c.logger.DebugContext(ctx, "store API call",
		"operation", operation, "status", resp.StatusCode(), "duration_ms", duration.Milliseconds())
}

func transportError(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, err, apperrors.ErrUpstreamTransient)
}

// classify maps a response to the upstream error taxonomy.
func classify(operation string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	status, body := effectiveStatus(resp)
	return classifyStatus(operation, status, body)
}

func classifyStatus(operation string, status int, body string) error {
	switch {
	case status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: HTTP %d: %s: %w", operation, status, body, apperrors.ErrUpstreamAuthInvalid)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: HTTP %d: %w", operation, status, ErrNotFound)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("%s: HTTP %d: %s: %w", operation, status, body, apperrors.ErrUpstreamTransient)
	default:
		return fmt.Errorf("%s: HTTP %d: %s: %w", operation, status, body, apperrors.ErrUpstreamUnexpected)
	}
}

// effectiveStatus unwraps the upstream quirk of reporting failures as
// HTTP 500 with the real status only inside the error body.
func effectiveStatus(resp *resty.Response) (int, string) {
	status := resp.StatusCode()
	body := resp.String()
	if status < http.StatusBadRequest {
		return status, body
	}
	var parsed upstreamErrorBody
	if err := json.Unmarshal(resp.Body(), &parsed); err == nil {
		if parsed.looksLikeForbidden() {
			return http.StatusForbidden, body
		}
		if parsed.looksLikeNotFound() {
			return http.StatusNotFound, body
		}
	}
	return status, body
}
