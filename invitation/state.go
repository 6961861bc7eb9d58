// Package invitation drives the invitation link lifecycle: generation,
// RSVP/denial processing, and the steward-acceptance transition. The state
// machine shape (pure transition methods returning (*vault.Invitation,
// error), validated against a table) follows the teacher's
// core/dkg.DKGState pattern.
package invitation

import (
	"errors"
	"fmt"

	"github.com/mplorentz/keydex-sub000/vault"
)

var (
	ErrInvalidStateChange    = errors.New("invitation: invalid state change")
	ErrAlreadyRedeemed       = errors.New("invitation: already redeemed")
	ErrInvitationNotFound    = errors.New("invitation: not found")
	ErrInvitationInvalidated = errors.New("invitation: invalidated")
	ErrInvalidInvitationCode = errors.New("invitation: invalid invite code")
	ErrVaultMismatch         = errors.New("invitation: invite code bound to a different vault")
)

// isValidStateChange mirrors the teacher's isValidStateChange table: a
// switch over the current state naming every legal next state.
func isValidStateChange(current, next vault.InvitationStatus) bool {
	switch current {
	case vault.InvitationCreated:
		return next == vault.InvitationPending || next == vault.InvitationInvalidated
	case vault.InvitationPending:
		return next == vault.InvitationRedeemed ||
			next == vault.InvitationDenied ||
			next == vault.InvitationInvalidated ||
			next == vault.InvitationError
	default:
		// redeemed, denied, invalidated, error are all terminal.
		return false
	}
}

func invalidStateChange(current, next vault.InvitationStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateChange, current, next)
}

// Pending marks an invitation as having observed its first outgoing RSVP
// wait (i.e. the link has been handed out and the engine is now listening).
func Pending(inv *vault.Invitation) (*vault.Invitation, error) {
	if !isValidStateChange(inv.Status, vault.InvitationPending) {
		return nil, invalidStateChange(inv.Status, vault.InvitationPending)
	}
	next := *inv
	next.Status = vault.InvitationPending
	return &next, nil
}

// Redeem transitions pending -> redeemed, binding redeemerPubkey as the
// invitation's one legitimate steward.
func Redeem(inv *vault.Invitation, redeemerPubkey string) (*vault.Invitation, error) {
	if !isValidStateChange(inv.Status, vault.InvitationRedeemed) {
		return nil, invalidStateChange(inv.Status, vault.InvitationRedeemed)
	}
	next := *inv
	next.Status = vault.InvitationRedeemed
	next.RedeemerPubkey = redeemerPubkey
	return &next, nil
}

// Deny transitions pending -> denied.
func Deny(inv *vault.Invitation) (*vault.Invitation, error) {
	if !isValidStateChange(inv.Status, vault.InvitationDenied) {
		return nil, invalidStateChange(inv.Status, vault.InvitationDenied)
	}
	next := *inv
	next.Status = vault.InvitationDenied
	return &next, nil
}

// Invalidate is the owner's explicit revocation, valid from created or
// pending. Invalidation is terminal and always carries a reason.
func Invalidate(inv *vault.Invitation, reason string) (*vault.Invitation, error) {
	if !isValidStateChange(inv.Status, vault.InvitationInvalidated) {
		return nil, invalidStateChange(inv.Status, vault.InvitationInvalidated)
	}
	next := *inv
	next.Status = vault.InvitationInvalidated
	next.RevocationReason = reason
	return &next, nil
}

// MarkError transitions pending -> error, for a parseable envelope carrying
// a malformed payload or an inconsistent replay.
func MarkError(inv *vault.Invitation, reason string) (*vault.Invitation, error) {
	if !isValidStateChange(inv.Status, vault.InvitationError) {
		return nil, invalidStateChange(inv.Status, vault.InvitationError)
	}
	next := *inv
	next.Status = vault.InvitationError
	next.RevocationReason = reason
	return &next, nil
}
