// Package recovery implements the initiator- and steward-side recovery
// ceremony (C8): request shares from stewards, collect approve/deny
// responses, and reconstruct the vault's content once enough approvals
// arrive. The state machine shape follows the teacher's
// core/dkg.DKGState pattern, also used by invitation.
package recovery

import (
	"errors"
	"fmt"

	"github.com/mplorentz/keydex-sub000/vault"
)

var (
	ErrInvalidStateChange  = errors.New("recovery: invalid state change")
	ErrRequestNotFound     = errors.New("recovery: request not found")
	ErrInsufficientShares  = errors.New("recovery: insufficient approved shares")
	ErrDigestMismatch      = errors.New("recovery: reconstructed content does not match digest")
	ErrDenied              = errors.New("recovery: too many stewards denied to ever reach threshold")
	ErrExpired             = errors.New("recovery: request expired before threshold was met")
	ErrAlreadyTerminal     = errors.New("recovery: request already in a terminal state")
	ErrPlanVersionMismatch = errors.New("recovery: approved share belongs to a stale plan version")
)

// isValidStateChange mirrors invitation.isValidStateChange's table shape,
// adapted to the six-state recovery lifecycle from spec.md:
// pending -> sent -> in_progress -> {completed, failed, cancelled}.
func isValidStateChange(current, next vault.RecoveryStatus) bool {
	switch current {
	case vault.RecoveryPending:
		return next == vault.RecoverySent || next == vault.RecoveryCancelled
	case vault.RecoverySent:
		return next == vault.RecoveryInProgress || next == vault.RecoveryFailed || next == vault.RecoveryCancelled
	case vault.RecoveryInProgress:
		return next == vault.RecoveryInProgress || // another approval arrives, same state, re-evaluated
			next == vault.RecoveryCompleted ||
			next == vault.RecoveryFailed ||
			next == vault.RecoveryCancelled
	default:
		// completed, failed, cancelled are all terminal.
		return false
	}
}

func invalidStateChange(current, next vault.RecoveryStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateChange, current, next)
}

// Sent transitions pending -> sent, once the initiator has published the
// kind-1338 request to every steward.
func Sent(rr *vault.RecoveryRequest) (*vault.RecoveryRequest, error) {
	if !isValidStateChange(rr.Status, vault.RecoverySent) {
		return nil, invalidStateChange(rr.Status, vault.RecoverySent)
	}
	next := *rr
	next.Status = vault.RecoverySent
	return &next, nil
}

// ReceiveResponse transitions sent/in_progress -> in_progress after a
// steward's response arrives; the response itself is stored separately
// (vaultstore's UpsertResponse). It does not itself decide completion/failure;
// the engine re-evaluates thresholds after calling this.
func ReceiveResponse(rr *vault.RecoveryRequest) (*vault.RecoveryRequest, error) {
	if !isValidStateChange(rr.Status, vault.RecoveryInProgress) {
		return nil, invalidStateChange(rr.Status, vault.RecoveryInProgress)
	}
	next := *rr
	next.Status = vault.RecoveryInProgress
	return &next, nil
}

// Complete transitions to completed once enough shares combined and the
// reconstructed content matched its digest.
func Complete(rr *vault.RecoveryRequest) (*vault.RecoveryRequest, error) {
	if !isValidStateChange(rr.Status, vault.RecoveryCompleted) {
		return nil, invalidStateChange(rr.Status, vault.RecoveryCompleted)
	}
	next := *rr
	next.Status = vault.RecoveryCompleted
	return &next, nil
}

// Fail transitions to failed, recording reason as FailureReason.
func Fail(rr *vault.RecoveryRequest, reason string) (*vault.RecoveryRequest, error) {
	if !isValidStateChange(rr.Status, vault.RecoveryFailed) {
		return nil, invalidStateChange(rr.Status, vault.RecoveryFailed)
	}
	next := *rr
	next.Status = vault.RecoveryFailed
	next.FailureReason = reason
	return &next, nil
}

// Cancel transitions to cancelled. Reception of further responses after
// cancellation is the engine's job to ignore; this function only validates
// the transition itself.
func Cancel(rr *vault.RecoveryRequest) (*vault.RecoveryRequest, error) {
	if !isValidStateChange(rr.Status, vault.RecoveryCancelled) {
		return nil, invalidStateChange(rr.Status, vault.RecoveryCancelled)
	}
	next := *rr
	next.Status = vault.RecoveryCancelled
	return &next, nil
}
