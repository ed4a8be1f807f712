// Package events fans operational events out to connected operator
// dashboards over WebSocket. Publishing never blocks the caller: slow
// or stalled subscribers are dropped, not waited on.
package events

import (
	"time"
)

// Type labels an event for subscribers.
type Type string

const (
	// TypeConnected greets a subscriber right after registration.
	TypeConnected Type = "connected"

	// TypeActivation reports a granted activation (new or replayed).
	TypeActivation Type = "activation"

	// TypeActivationConflict reports an activation refused because
	// another identity holds the license.
	TypeActivationConflict Type = "activation_conflict"

	// TypeDeactivation reports an operator removing an activation.
	TypeDeactivation Type = "deactivation"

	// TypeRefreshCompleted reports a finished catalog refresh.
	TypeRefreshCompleted Type = "refresh_completed"

	// TypeRefreshFailed reports a catalog refresh that gave up.
	TypeRefreshFailed Type = "refresh_failed"

	// TypeCredentialsInvalid reports a store marked as having rejected
	// credentials.
	TypeCredentialsInvalid Type = "credentials_invalid"

	// TypeCredentialsRestored reports the invalid flag being cleared.
	TypeCredentialsRestored Type = "credentials_restored"

	// TypeStoreLinked and TypeStoreUnlinked report credential admin.
	TypeStoreLinked   Type = "store_linked"
	TypeStoreUnlinked Type = "store_unlinked"

	// TypeLicenseLocked and TypeLicenseUnlocked report lock admin.
	TypeLicenseLocked   Type = "license_locked"
	TypeLicenseUnlocked Type = "license_unlocked"
)

// Event is the wire format delivered to subscribers.
type Event struct {
	Type      Type                   `json:"type"`
	StoreID   string                 `json:"store_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(eventType Type, storeID string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		StoreID:   storeID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
