package license

import (
	"fmt"
	"regexp"
	"strings"

	"keygate/internal/store"
)

// KeyKind classifies user-supplied license input. Beyond the store's
// own key formats this recognizes keys from other vendors that users
// paste by mistake, so rejections can say what was actually provided.
type KeyKind int

const (
	KindUnknown KeyKind = iota
	KindShort
	KindLong
	KindGumroad
	KindInteger
	KindPayhip
	KindTransaction
	// KindAmbiguous means the input matched more than one format.
	KindAmbiguous
)

var keyPatterns = []struct {
	kind  KeyKind
	regex *regexp.Regexp
}{
	// short key `XXXX-cd071c534191`
	{KindShort, regexp.MustCompile(`(?i)^[A-Z]{4}-[a-f0-9]{12}$`)},
	// long key `3642d957-c5d8-4d18-a1ae-cd071c534191`, a version 4 UUID
	{KindLong, regexp.MustCompile(`(?i)^[a-f0-9]{8}-[a-f0-9]{4}-4[a-f0-9]{3}-[89ab][a-f0-9]{3}-[a-f0-9]{12}$`)},
	// gumroad key `ABCD1234-1234FEDC-0987A321-A2B3C5D6`
	{KindGumroad, regexp.MustCompile(`^[A-F0-9]{8}-[A-F0-9]{8}-[A-F0-9]{8}-[A-F0-9]{8}$`)},
	// a plain integer, possibly a raw license ID `3245554511053325533`
	{KindInteger, regexp.MustCompile(`^[0-9]+$`)},
	// payhip key `WTKP4-66NL5-HMKQW-GFSCZ`
	{KindPayhip, regexp.MustCompile(`^[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}-[A-Z0-9]{5}$`)},
	// transaction ID `pi_3eAsf8AfuGlZm49dadf3224f`
	{KindTransaction, regexp.MustCompile(`^pi_[A-Za-z0-9]{24}$`)},
}

// Identify figures out what flavor of license key was provided.
func Identify(input string) KeyKind {
	found := KindUnknown
	for _, pattern := range keyPatterns {
		if !pattern.regex.MatchString(input) {
			continue
		}
		if found != KindUnknown {
			return KindAmbiguous
		}
		found = pattern.kind
	}
	return found
}

// String names the kind for diagnostics and rejection messages.
func (k KeyKind) String() string {
	switch k {
	case KindShort:
		return "a short key"
	case KindLong:
		return "a long key"
	case KindGumroad:
		return "a Gumroad key"
	case KindInteger:
		return "a number"
	case KindPayhip:
		return "a Payhip key"
	case KindTransaction:
		return "a transaction ID"
	case KindAmbiguous:
		return "an ambiguous value"
	default:
		return "an unknown value"
	}
}

// IsStoreKey reports whether the kind is one of the store's own key
// formats.
func (k KeyKind) IsStoreKey() bool {
	return k == KindShort || k == KindLong
}

// KeyFormatError reports input that is not an acceptable key format,
// carrying the detected kind so callers can tell a mistyped key apart
// from a key bought at another vendor.
type KeyFormatError struct {
	Kind     KeyKind
	accepted string
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("provided value is %s, not %s", e.Kind, e.accepted)
}

// ForeignVendor reports whether the input looks like another vendor's
// key rather than a typo.
func (e *KeyFormatError) ForeignVendor() bool {
	return e.Kind == KindGumroad || e.Kind == KindPayhip || e.Kind == KindTransaction
}

// Key is a normalized license reference ready for an upstream call.
type Key struct {
	kind  KeyKind
	value string
}

// UntrustedKey builds a Key from end-user input. Only real key formats
// are accepted; raw IDs are rejected so values leaked into logs can
// never be replayed as credentials.
func UntrustedKey(input string) (Key, error) {
	kind := Identify(input)
	switch kind {
	case KindShort:
		return Key{kind: KindShort, value: normalizeShort(input)}, nil
	case KindLong:
		return Key{kind: KindLong, value: strings.ToLower(input)}, nil
	default:
		return Key{}, &KeyFormatError{Kind: kind, accepted: "a license key"}
	}
}

// TrustedKey builds a Key from operator input, which may also be a raw
// license ID.
func TrustedKey(input string) (Key, error) {
	kind := Identify(input)
	switch kind {
	case KindShort:
		return Key{kind: KindShort, value: normalizeShort(input)}, nil
	case KindLong:
		return Key{kind: KindLong, value: strings.ToLower(input)}, nil
	case KindInteger:
		return Key{kind: KindInteger, value: input}, nil
	default:
		return Key{}, &KeyFormatError{Kind: kind, accepted: "a license key or ID"}
	}
}

// IsID reports whether the key is already a license ID and needs no
// lookup.
func (k Key) IsID() bool { return k.kind == KindInteger }

// Value returns the canonical form.
func (k Key) Value() string { return k.value }

// SearchParam returns the upstream query parameter for key lookup.
func (k Key) SearchParam() string {
	if k.kind == KindShort {
		return store.ShortKeyParam
	}
	return store.LongKeyParam
}

// normalizeShort canonicalizes a short key: the store masks the first
// four characters as 'X' and lowercases the hex tail, so user input
// arrives in every imaginable case.
func normalizeShort(input string) string {
	b := []byte(input)
	for i := 0; i < 4; i++ {
		b[i] = 'X'
	}
	for i := 5; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
