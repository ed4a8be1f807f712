package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
)

// StoreAPI is the slice of the upstream client the resolver depends on.
// *store.Client satisfies it; tests substitute a scripted fake.
type StoreAPI interface {
	LookupLicense(ctx context.Context, searchParam, key string) ([]string, error)
	GetLicense(ctx context.Context, licenseID string) (*store.LicenseDetail, error)
	ListActivations(ctx context.Context, licenseID string) ([]store.Activation, error)
	CreateActivation(ctx context.Context, licenseID, description string) (*store.Activation, error)
	DeleteActivation(ctx context.Context, licenseID, activationID string) error
}

// AuditLog mirrors gateway-created activations into local storage so
// reports survive upstream edits. *sqlite.DB satisfies it.
type AuditLog interface {
	RecordActivation(ctx context.Context, storeID, licenseID, identity, activationID string) error
	DeleteActivation(ctx context.Context, storeID, licenseID, activationID string) error
}

// Status labels the outcome of a successful Activate call.
type Status string

const (
	// StatusActivated means a new activation was created for the identity.
	StatusActivated Status = "activated"

	// StatusAlreadyActivated means the identity already held the license
	// and no new activation was created.
	StatusAlreadyActivated Status = "already_activated"
)

// Result reports a granted activation back to the caller.
type Result struct {
	Status       Status `json:"status"`
	LicenseID    string `json:"license_id"`
	ActivationID string `json:"activation_id"`
	Identity     string `json:"identity"`
	ProductID    string `json:"product_id,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	VersionID    string `json:"version_id,omitempty"`
}

// ConflictError reports that a different identity owns the license.
// It unwraps to ErrAlreadyActivated so the transport layer can map it,
// while keeping the registered identity available for the response body.
type ConflictError struct {
	RegisteredIdentity string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("license is registered to identity %q", e.RegisteredIdentity)
}

func (e *ConflictError) Unwrap() error {
	return apperrors.ErrAlreadyActivated
}

// Resolver implements the activation protocol against a store's API.
// It holds no per-store state; the caller supplies the store client,
// so one Resolver serves every linked store.
type Resolver struct {
	audit  AuditLog
	logger *slog.Logger
}

// NewResolver builds a Resolver. audit may be nil in tests that do not
// care about the local trail.
func NewResolver(audit AuditLog, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{audit: audit, logger: logger}
}

// Activate grants the license to identity or explains why it cannot.
//
// The store offers no transactions, so correctness comes from
// re-reading after the write: create the activation, list again, and
// keep it only if no competing identity won. Replays of a granted
// activation are idempotent.
func (r *Resolver) Activate(ctx context.Context, storeID string, client StoreAPI, licenseKey, identity string) (*Result, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	key, err := UntrustedKey(licenseKey)
	if err != nil {
		r.logger.DebugContext(ctx, "rejected license input",
			"store_id", storeID, "reason", err)
		return nil, fmt.Errorf("%w: %w", err, apperrors.ErrInvalidLicense)
	}

	licenseID, err := r.resolveKey(ctx, client, key)
	if err != nil {
		return nil, err
	}

	detail, err := client.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, mapStoreErr(err, licenseID)
	}

	var activations []store.Activation
	if detail.ActivationCount > 0 {
		if activations, err = client.ListActivations(ctx, licenseID); err != nil {
			return nil, mapStoreErr(err, licenseID)
		}
	}

	state := assess(activations, identity)
	switch {
	case state.locked:
		infrastructure.AddSpanEvent(ctx, "activation.locked", map[string]interface{}{
			"license_id": licenseID,
		})
		return nil, fmt.Errorf("license %s: %w", licenseID, apperrors.ErrLicenseLocked)

	case state.own != nil:
		if state.ownMultiple {
			r.logger.WarnContext(ctx, "identity holds multiple activations on one license",
				"store_id", storeID, "license_id", licenseID, "identity", identity)
		}
		// Heal the local trail if a crash or manual upstream edit left
		// the activation unrecorded.
		r.recordAudit(ctx, storeID, licenseID, identity, state.own.ID)
		infrastructure.AddSpanEvent(ctx, "activation.idempotent", map[string]interface{}{
			"license_id":    licenseID,
			"activation_id": state.own.ID,
		})
		return r.grant(StatusAlreadyActivated, detail, identity, state.own.ID), nil

	case len(state.others) > 0:
		return nil, &ConflictError{RegisteredIdentity: state.others[0].identity}
	}

	created, err := client.CreateActivation(ctx, licenseID, TagForIdentity(identity))
	if err != nil {
		return nil, mapStoreErr(err, licenseID)
	}
	r.recordAudit(ctx, storeID, licenseID, identity, created.ID)

	after, err := client.ListActivations(ctx, licenseID)
	if err != nil {
		// The activation exists upstream but the race check failed.
		// Surface the error; a retry with the same identity lands on
		// the idempotent path and verifies then.
		return nil, mapStoreErr(err, licenseID)
	}

	return r.reconcile(ctx, storeID, client, detail, identity, created, after)
}

// reconcile inspects the post-create listing and decides whether the
// freshly created activation stands.
func (r *Resolver) reconcile(ctx context.Context, storeID string, client StoreAPI, detail *store.LicenseDetail, identity string, created *store.Activation, after []store.Activation) (*Result, error) {
	state := assess(after, identity)
	if state.locked {
		// A lock marker appeared mid-flight. The activation stays for
		// the operator to sort out; the caller must not gain access.
		r.logger.WarnContext(ctx, "license locked during activation",
			"store_id", storeID, "license_id", detail.ID,
			"identity", identity, "activation_id", created.ID)
		return nil, fmt.Errorf("license %s: %w", detail.ID, apperrors.ErrLicenseLocked)
	}
	if state.ownMultiple {
		r.logger.WarnContext(ctx, "identity holds multiple activations on one license",
			"store_id", storeID, "license_id", detail.ID, "identity", identity)
	}
	if len(state.others) == 0 {
		infrastructure.AddSpanEvent(ctx, "activation.created", map[string]interface{}{
			"license_id":    detail.ID,
			"activation_id": created.ID,
		})
		return r.grant(StatusActivated, detail, identity, created.ID), nil
	}

	// Two identities raced past the ownership check and both created
	// activations. The one with the lowest activation ID keeps the
	// license. IDs are assumed creation-ordered; the debug line below
	// exists so a store that breaks that assumption shows up in logs.
	winner := taggedActivation{id: created.ID, identity: identity}
	for _, contender := range state.others {
		if compareActivationIDs(contender.id, winner.id) < 0 {
			winner = contender
		}
	}
	r.logger.DebugContext(ctx, "activation race resolved by lowest id",
		"store_id", storeID, "license_id", detail.ID,
		"own_activation_id", created.ID,
		"winner_identity", winner.identity,
		"winner_activation_id", winner.id)

	if winner.identity == identity {
		infrastructure.AddSpanEvent(ctx, "activation.race_won", map[string]interface{}{
			"license_id":    detail.ID,
			"activation_id": created.ID,
		})
		return r.grant(StatusActivated, detail, identity, created.ID), nil
	}

	// Lost the race. Revoke the just-created activation so the license
	// does not end up double-registered; losing the revoke is safe
	// because the winner's claim already stands.
	if err := client.DeleteActivation(ctx, detail.ID, created.ID); err != nil {
		r.logger.WarnContext(ctx, "failed to revoke losing activation",
			"store_id", storeID, "license_id", detail.ID,
			"activation_id", created.ID, "error", err)
	} else {
		r.deleteAudit(ctx, storeID, detail.ID, created.ID)
	}
	infrastructure.AddSpanEvent(ctx, "activation.race_lost", map[string]interface{}{
		"license_id":      detail.ID,
		"winner_identity": winner.identity,
	})
	return nil, &ConflictError{RegisteredIdentity: winner.identity}
}

// Deactivate removes every activation the identity holds on the
// license. Operators use it to release a license back for resale or
// transfer.
func (r *Resolver) Deactivate(ctx context.Context, storeID string, client StoreAPI, licenseRef, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}

	licenseID, err := r.resolveRef(ctx, client, licenseRef)
	if err != nil {
		return err
	}

	activations, err := client.ListActivations(ctx, licenseID)
	if err != nil {
		return mapStoreErr(err, licenseID)
	}

	removed := 0
	for _, activation := range activations {
		owner, ok := IdentityFromTag(activation.Description)
		if !ok || owner != identity {
			continue
		}
		if err := client.DeleteActivation(ctx, licenseID, activation.ID); err != nil {
			return mapStoreErr(err, licenseID)
		}
		r.deleteAudit(ctx, storeID, licenseID, activation.ID)
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("license %s has no activation for identity %s: %w",
			licenseID, identity, apperrors.ErrActivationNotFound)
	}
	if removed > 1 {
		r.logger.WarnContext(ctx, "removed multiple activations for one identity",
			"store_id", storeID, "license_id", licenseID,
			"identity", identity, "removed", removed)
	}
	r.logger.InfoContext(ctx, "license deactivated",
		"store_id", storeID, "license_id", licenseID, "identity", identity)
	return nil
}

// Lock places the lock marker on the license so no new activation can
// be created. Existing activations are left alone. Locking a locked
// license is a no-op.
func (r *Resolver) Lock(ctx context.Context, storeID string, client StoreAPI, licenseRef string) error {
	licenseID, err := r.resolveRef(ctx, client, licenseRef)
	if err != nil {
		return err
	}

	activations, err := client.ListActivations(ctx, licenseID)
	if err != nil {
		return mapStoreErr(err, licenseID)
	}
	for _, activation := range activations {
		if owner, ok := IdentityFromTag(activation.Description); ok && owner == LockIdentity {
			return nil
		}
	}

	created, err := client.CreateActivation(ctx, licenseID, TagForIdentity(LockIdentity))
	if err != nil {
		return mapStoreErr(err, licenseID)
	}
	r.recordAudit(ctx, storeID, licenseID, LockIdentity, created.ID)
	r.logger.InfoContext(ctx, "license locked",
		"store_id", storeID, "license_id", licenseID)
	return nil
}

// Unlock removes every lock marker from the license. Unlocking an
// unlocked license is a no-op.
func (r *Resolver) Unlock(ctx context.Context, storeID string, client StoreAPI, licenseRef string) error {
	licenseID, err := r.resolveRef(ctx, client, licenseRef)
	if err != nil {
		return err
	}

	activations, err := client.ListActivations(ctx, licenseID)
	if err != nil {
		return mapStoreErr(err, licenseID)
	}

	removed := 0
	for _, activation := range activations {
		owner, ok := IdentityFromTag(activation.Description)
		if !ok || owner != LockIdentity {
			continue
		}
		if err := client.DeleteActivation(ctx, licenseID, activation.ID); err != nil {
			return mapStoreErr(err, licenseID)
		}
		r.deleteAudit(ctx, storeID, licenseID, activation.ID)
		removed++
	}
	if removed > 0 {
		r.logger.InfoContext(ctx, "license unlocked",
			"store_id", storeID, "license_id", licenseID, "markers_removed", removed)
	}
	return nil
}

// resolveKey turns a validated key into a license ID, or passes an ID
// through untouched.
func (r *Resolver) resolveKey(ctx context.Context, client StoreAPI, key Key) (string, error) {
	if key.IsID() {
		return key.Value(), nil
	}

	ids, err := client.LookupLicense(ctx, key.SearchParam(), key.Value())
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("license key matched nothing: %w", apperrors.ErrInvalidLicense)
	case 1:
		return ids[0], nil
	default:
		// Short keys are only prefixes of the full key, so collisions
		// can happen. Refusing beats guessing.
		return "", fmt.Errorf("license key matched %d licenses: %w", len(ids), apperrors.ErrInvalidLicense)
	}
}

// resolveRef accepts a license key or a raw license ID. Operator
// surfaces pass IDs straight from catalog listings.
func (r *Resolver) resolveRef(ctx context.Context, client StoreAPI, ref string) (string, error) {
	key, err := TrustedKey(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", err, apperrors.ErrInvalidLicense)
	}
	return r.resolveKey(ctx, client, key)
}

func (r *Resolver) grant(status Status, detail *store.LicenseDetail, identity, activationID string) *Result {
	return &Result{
		Status:       status,
		LicenseID:    detail.ID,
		ActivationID: activationID,
		Identity:     identity,
		ProductID:    detail.ProductID,
		ProductName:  detail.ProductName,
		VersionID:    detail.VersionID,
	}
}

func (r *Resolver) recordAudit(ctx context.Context, storeID, licenseID, identity, activationID string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordActivation(ctx, storeID, licenseID, identity, activationID); err != nil {
		r.logger.ErrorContext(ctx, "failed to record activation locally",
			"store_id", storeID, "license_id", licenseID,
			"activation_id", activationID, "error", err)
	}
}

func (r *Resolver) deleteAudit(ctx context.Context, storeID, licenseID, activationID string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.DeleteActivation(ctx, storeID, licenseID, activationID); err != nil {
		r.logger.ErrorContext(ctx, "failed to remove activation record",
			"store_id", storeID, "license_id", licenseID,
			"activation_id", activationID, "error", err)
	}
}

// taggedActivation is an activation carrying a gateway ownership tag.
type taggedActivation struct {
	id       string
	identity string
}

// activationState classifies a license's activations relative to one
// identity. Untagged activations were created outside the gateway,
// carry no ownership claim, and are ignored.
type activationState struct {
	locked      bool
	own         *store.Activation
	ownMultiple bool
	others      []taggedActivation
}

func assess(activations []store.Activation, identity string) activationState {
	var state activationState
	for i := range activations {
		owner, ok := IdentityFromTag(activations[i].Description)
		if !ok {
			continue
		}
		switch owner {
		case LockIdentity:
			state.locked = true
		case identity:
			if state.own != nil {
				state.ownMultiple = true
			} else {
				state.own = &activations[i]
			}
		default:
			state.others = append(state.others, taggedActivation{
				id:       activations[i].ID,
				identity: owner,
			})
		}
	}
	return state
}

// compareActivationIDs orders activation IDs the way the store hands
// them out. Numeric IDs compare by magnitude; anything else falls back
// to a lexicographic comparison.
func compareActivationIDs(a, b string) int {
	if isAllDigits(a) && isAllDigits(b) && len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// mapStoreErr translates the client's not-found sentinel into the
// invalid-license domain error. The store reports unknown license IDs
// as authorization failures, which the client already folds into its
// not-found sentinel for license endpoints.
func mapStoreErr(err error, licenseID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("license id %s: %w", licenseID, apperrors.ErrInvalidLicense)
	}
	return err
}
