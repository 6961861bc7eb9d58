// Package distribution implements the owner-side split-and-distribute
// workflow (C7): split a vault's content into Shamir shares, gift-wrap one
// per accepted steward, publish, and track shard confirmations back to a
// distributed plan status.
package distribution

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/relay"
	"github.com/mplorentz/keydex-sub000/share"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore"
)

var (
	// ErrPlanNotReady covers any plan-validation failure that blocks a
	// distribution round: wrong steward count, unassigned pubkeys, and so on.
	ErrPlanNotReady = vault.ErrValidation
)

// Engine is the owner-side distribution workflow, dependency-injected like
// every other engine in this module.
type Engine struct {
	log     log.Logger
	store   vaultstore.Store
	gateway *relay.Gateway
	id      *identity.Identity
}

// New builds a distribution engine.
func New(logger log.Logger, store vaultstore.Store, gateway *relay.Gateway, id *identity.Identity) *Engine {
	return &Engine{log: logger.Named("distribution"), store: store, gateway: gateway, id: id}
}

// Distribute runs one distribution round for v's current backup plan: it
// assigns steward indices, splits the padded content, gift-wraps one share
// per accepted steward, and publishes them. It does not wait for
// confirmations; those arrive later through HandleConfirmation.
func (e *Engine) Distribute(ctx context.Context, v *vault.Vault) error {
	plan := v.BackupPlan
	if plan == nil {
		return fmt.Errorf("%w: vault has no backup plan", ErrPlanNotReady)
	}
	accepted := plan.AcceptedStewards()
	if len(accepted) != len(plan.Stewards) {
		return fmt.Errorf("%w: not every steward has accepted yet", ErrPlanNotReady)
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	assignIndices(plan)

	digest := sha256.Sum256(v.Content)
	digestHex := hex.EncodeToString(digest[:])
	plan.ContentDigest = digestHex

	padded, err := share.Pad(v.Content)
	if err != nil {
		return fmt.Errorf("distribution: %w", err)
	}
	n := len(plan.Stewards)
	shares, err := share.Split(padded, plan.Threshold, n)
	if err != nil {
		return fmt.Errorf("distribution: %w", err)
	}
	byIndex := make(map[int]share.Share, n)
	for _, s := range shares {
		byIndex[s.Index] = s
	}

	for i := range plan.Stewards {
		s := &plan.Stewards[i]
		if s.Status != vault.StewardAccepted {
			continue
		}
		sh, ok := byIndex[s.AssignedIndex]
		if !ok {
			return fmt.Errorf("distribution: no share computed for steward index %d", s.AssignedIndex)
		}

		payload := vault.SharePayload{
			VaultID:       v.ID,
			PlanVersion:   plan.Version,
			Threshold:     plan.Threshold,
			Total:         n,
			Index:         s.AssignedIndex,
			YBase64:       base64.StdEncoding.EncodeToString(sh.Bytes),
			ContentDigest: digestHex,
			Instructions:  plan.Instructions,
		}
		content, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("distribution: marshal share payload: %w", err)
		}

		rumor := &envelope.Event{
			Pubkey:  e.id.PubkeyHex(),
			Kind:    envelope.KindShareDelivery,
			Tags:    envelope.Tags{},
			Content: string(content),
		}
		wrapped, err := envelope.Wrap(rumor, e.id, s.Pubkey, nil)
		if err != nil {
			return fmt.Errorf("distribution: wrap share for %s: %w", s.Name, err)
		}
		if _, err := e.gateway.Publish(ctx, wrapped); err != nil {
			return fmt.Errorf("distribution: publish share for %s: %w", s.Name, err)
		}
		s.GiftWrapEventID = wrapped.ID
		s.ConfirmationAt = nil
	}

	plan.Status = vault.PlanReady
	now := time.Now()
	plan.LastDistributedAt = &now
	return e.store.PutVault(ctx, v)
}

// Redistribute bumps the plan version, marks the current round stale, and
// runs a fresh distribution round, retaining index assignments for
// stewards who were already assigned one.
func (e *Engine) Redistribute(ctx context.Context, v *vault.Vault) error {
	if v.BackupPlan == nil {
		return fmt.Errorf("%w: vault has no backup plan", ErrPlanNotReady)
	}
	v.BackupPlan.Status = vault.PlanStale
	v.BackupPlan.Version++
	return e.Distribute(ctx, v)
}

// assignIndices gives every steward without an index the smallest unused
// integer in [1,n], preserving existing assignments and insertion order.
func assignIndices(plan *vault.BackupPlan) {
	used := make(map[int]bool, len(plan.Stewards))
	for _, s := range plan.Stewards {
		if s.AssignedIndex != 0 {
			used[s.AssignedIndex] = true
		}
	}
	next := 1
	for i := range plan.Stewards {
		if plan.Stewards[i].AssignedIndex != 0 {
			continue
		}
		for used[next] {
			next++
		}
		plan.Stewards[i].AssignedIndex = next
		used[next] = true
	}
}

// HandleConfirmation is the owner-side router handler for kind 1342. It is
// idempotent per (vault_id, plan_version, steward_pubkey): a second
// confirmation for the same round from the same steward leaves the
// existing confirmation_at untouched.
func (e *Engine) HandleConfirmation(rumor *envelope.Event, giftWrapID string) error {
	var payload ConfirmationPayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return fmt.Errorf("distribution: malformed confirmation payload: %w", err)
	}

	ctx := context.Background()
	v, err := e.store.GetVault(ctx, vault.ID(payload.VaultID))
	if err != nil {
		return err
	}
	if v.BackupPlan == nil {
		return fmt.Errorf("%w: vault has no backup plan", ErrPlanNotReady)
	}

	found := false
	for i := range v.BackupPlan.Stewards {
		s := &v.BackupPlan.Stewards[i]
		if s.Pubkey != rumor.Pubkey || s.GiftWrapEventID != payload.GiftWrapEvent {
			continue
		}
		found = true
		if s.ConfirmationAt == nil {
			at := time.Unix(payload.ConfirmedAt, 0).UTC()
			s.ConfirmationAt = &at
		}
		break
	}
	if !found {
		e.log.Warnw("confirmation does not match any pending share delivery",
			"vault_id", payload.VaultID, "steward", rumor.Pubkey, "gift_wrap_event", payload.GiftWrapEvent)
		return nil
	}

	if payload.PlanVersion == v.BackupPlan.Version && allAcceptedConfirmed(v.BackupPlan) {
		v.BackupPlan.Status = vault.PlanDistributed
	}
	return e.store.PutVault(ctx, v)
}

func allAcceptedConfirmed(plan *vault.BackupPlan) bool {
	for _, s := range plan.Stewards {
		if s.Status == vault.StewardAccepted && s.ConfirmationAt == nil {
			return false
		}
	}
	return true
}

// Confirm is the steward-device side: acknowledge a received share by
// publishing a kind-1342 confirmation back to the owner.
func (e *Engine) Confirm(ctx context.Context, ownerPubkeyHex string, payload vault.SharePayload, giftWrapEventID string) error {
	confirmation := ConfirmationPayload{
		VaultID:       string(payload.VaultID),
		PlanVersion:   payload.PlanVersion,
		GiftWrapEvent: giftWrapEventID,
		ConfirmedAt:   time.Now().Unix(),
	}
	content, err := json.Marshal(confirmation)
	if err != nil {
		return fmt.Errorf("distribution: marshal confirmation: %w", err)
	}
	rumor := &envelope.Event{
		Pubkey:  e.id.PubkeyHex(),
		Kind:    envelope.KindShardConfirmation,
		Tags:    envelope.Tags{},
		Content: string(content),
	}
	wrapped, err := envelope.Wrap(rumor, e.id, ownerPubkeyHex, nil)
	if err != nil {
		return err
	}
	_, err = e.gateway.Publish(ctx, wrapped)
	return err
}

// HandleShareDelivery is the steward-device-side router handler for kind
// 1337: persist the received share so it is available if a recovery
// request later arrives, then acknowledge it.
func (e *Engine) HandleShareDelivery(rumor *envelope.Event, giftWrapID string) error {
	var payload vault.SharePayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return fmt.Errorf("distribution: malformed share payload: %w", err)
	}

	ctx := context.Background()
	received := &vault.ReceivedShare{
		VaultID:         payload.VaultID,
		Payload:         payload,
		FromPubkey:      rumor.Pubkey,
		GiftWrapEventID: giftWrapID,
		ReceivedAt:      time.Now(),
	}
	if err := e.store.PutReceivedShare(ctx, payload.VaultID, received); err != nil {
		return err
	}

	return e.Confirm(ctx, rumor.Pubkey, payload, giftWrapID)
}

// RemoveSteward is the owner side of C7 steward removal: mark the named
// steward Removed, clear its delivery bookkeeping so a stale
// gift-wrap/confirmation wait for it is no longer relevant, stale the plan
// so the next Distribute call re-splits and re-indexes around the
// remaining stewards, and publish a kind-1345 notice so the removed
// steward's own device purges its local share (see HandleRemoval).
func (e *Engine) RemoveSteward(ctx context.Context, v *vault.Vault, stewardPubkeyHex string) error {
	plan := v.BackupPlan
	if plan == nil {
		return fmt.Errorf("%w: vault has no backup plan", ErrPlanNotReady)
	}

	found := false
	for i := range plan.Stewards {
		s := &plan.Stewards[i]
		if s.Pubkey != stewardPubkeyHex {
			continue
		}
		found = true
		s.Status = vault.StewardRemoved
		s.GiftWrapEventID = ""
		s.ConfirmationAt = nil
		break
	}
	if !found {
		return fmt.Errorf("%w: no steward with pubkey %s", ErrPlanNotReady, stewardPubkeyHex)
	}

	plan.Version++
	plan.Status = vault.PlanStale

	payload := RemovalPayload{
		VaultID:   string(v.ID),
		RemovedAt: time.Now().Unix(),
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("distribution: marshal removal payload: %w", err)
	}
	rumor := &envelope.Event{
		Pubkey:  e.id.PubkeyHex(),
		Kind:    envelope.KindStewardRemoval,
		Tags:    envelope.Tags{},
		Content: string(content),
	}
	wrapped, err := envelope.Wrap(rumor, e.id, stewardPubkeyHex, nil)
	if err != nil {
		return fmt.Errorf("distribution: wrap removal notice: %w", err)
	}
	if _, err := e.gateway.Publish(ctx, wrapped); err != nil {
		e.log.Warnw("failed to publish removal notice to steward", "steward", stewardPubkeyHex, "error", err)
	}

	return e.store.PutVault(ctx, v)
}

// HandleRemoval is the steward-device-side router handler for kind 1345:
// purge the locally stored share for a vault whose owner removed this
// steward. Advisory only, per the protocol's trust model: a steward whose
// device was already compromised cannot be forced to forget.
func (e *Engine) HandleRemoval(rumor *envelope.Event, giftWrapID string) error {
	var payload RemovalPayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return fmt.Errorf("distribution: malformed removal payload: %w", err)
	}
	ctx := context.Background()
	err := e.store.DeleteReceivedShare(ctx, vault.ID(payload.VaultID))
	if err != nil && err != vaultstore.ErrNotFound {
		return err
	}
	return nil
}
