package license

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "keygate/internal/errors"
)

// LockIdentity is the reserved identity that owns lock marker
// activations. End users can never activate as it.
const LockIdentity = "0"

// tagPrefix marks activations created by this gateway. Activations
// whose description lacks the prefix were created out-of-band and carry
// no ownership meaning.
const tagPrefix = "identity:"

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateIdentity rejects the reserved lock identity and malformed
// identity strings.
func ValidateIdentity(identity string) error {
	if identity == LockIdentity {
		return fmt.Errorf("identity %q: %w", identity, apperrors.ErrIdentityReserved)
	}
	if !identityPattern.MatchString(identity) {
		return apperrors.ErrValidation("identity",
			"must be 1-64 characters drawn from letters, digits, '.', '_' and '-'")
	}
	return nil
}

// TagForIdentity builds the activation description that claims
// ownership for an identity.
func TagForIdentity(identity string) string {
	return tagPrefix + identity
}

// IdentityFromTag extracts the owner from an activation description.
// Returns false for foreign activations.
func IdentityFromTag(description string) (string, bool) {
	rest, found := strings.CutPrefix(description, tagPrefix)
	if !found {
		return "", false
	}
	if rest == LockIdentity || identityPattern.MatchString(rest) {
		return rest, true
	}
	return "", false
}
