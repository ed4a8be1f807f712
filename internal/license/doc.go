// Package license implements the activation protocol: resolving
// user-supplied license keys against the upstream store and binding
// each license to exactly one identity.
//
// # Activation Flow
//
// Activation follows a fixed sequence:
//
//	1. Identify the key format and normalize its case
//	2. Resolve the key to a license ID (exactly one match required)
//	3. Fetch license detail and existing activations
//	4. Return early on lock, own activation, or foreign owner
//	5. Create an activation tagged with the caller's identity
//	6. Re-read the activation list and reconcile races
//
// The upstream store offers no atomic check-and-insert, so correctness
// under concurrent activation comes from the post-create re-read in
// step 6: when two identities both created activations, the lowest
// activation ID wins and the loser revokes its own activation.
//
// # Locks
//
// A license is locked when an activation owned by the reserved lock
// identity "0" exists. Locking is an operator action; locked licenses
// reject new activations until unlocked.
package license
