package invitation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/relay"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore"
)

// Engine is the owner-side and invitee-side invitation workflow, holding
// the dependencies every other engine holds: a logger, a store handle, and
// a gateway handle — no package-level state, per the teacher's
// dependency-injected engine construction.
type Engine struct {
	log     log.Logger
	store   vaultstore.Store
	gateway *relay.Gateway
	id      *identity.Identity
}

// New builds an invitation engine.
func New(logger log.Logger, store vaultstore.Store, gateway *relay.Gateway, id *identity.Identity) *Engine {
	return &Engine{log: logger.Named("invitation"), store: store, gateway: gateway, id: id}
}

// Create generates a new invite code and persists the invitation in
// InvitationCreated status, alongside a new Invited steward record on the
// vault's plan, then moves the invitation to InvitationPending, persists
// it again and returns the pending record with the invite link.
func (e *Engine) Create(ctx context.Context, v *vault.Vault, host, inviteeName string) (*vault.Invitation, string, error) {
	code, err := NewInviteCode()
	if err != nil {
		return nil, "", err
	}
	if v.BackupPlan == nil {
		return nil, "", fmt.Errorf("invitation: vault has no backup plan to invite a steward into")
	}

	relays := v.BackupPlan.Relays
	link, err := BuildLink(host, code, e.id.PubkeyHex(), relays)
	if err != nil {
		return nil, "", err
	}

	inv := &vault.Invitation{
		InviteCode:  code,
		VaultID:     v.ID,
		OwnerPubkey: e.id.PubkeyHex(),
		InviteeName: inviteeName,
		RelayURLs:   relays,
		CreatedAt:   time.Now(),
		Status:      vault.InvitationCreated,
	}
	if err := inv.Validate(); err != nil {
		return nil, "", err
	}
	if err := e.store.PutInvitation(ctx, inv); err != nil {
		return nil, "", err
	}

	v.BackupPlan.Stewards = append(v.BackupPlan.Stewards, vault.Steward{
		Name:       inviteeName,
		Status:     vault.StewardInvited,
		InviteCode: code,
	})
	if err := e.store.PutVault(ctx, v); err != nil {
		return nil, "", err
	}

	pending, err := Pending(inv)
	if err != nil {
		return nil, "", err
	}
	if err := e.store.PutInvitation(ctx, pending); err != nil {
		return nil, "", err
	}

	return pending, link, nil
}

// Accept is the invitee side: parse an invite link and publish a
// gift-wrapped RSVP rumor to the owner.
func (e *Engine) Accept(ctx context.Context, link string) error {
	code, ownerPubkeyHex, _, err := ParseLink(link)
	if err != nil {
		return err
	}
	payload := RSVPPayload{InviteCode: code, AcceptedAt: time.Now().Unix()}
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invitation: marshal rsvp: %w", err)
	}
	rumor := &envelope.Event{
		Pubkey:  e.id.PubkeyHex(),
		Kind:    envelope.KindInvitationRSVP,
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

// Deny is the invitee side: decline an invite.
func (e *Engine) Deny(ctx context.Context, link, reason string) error {
	code, ownerPubkeyHex, _, err := ParseLink(link)
	if err != nil {
		return err
	}
	payload := DenialPayload{InviteCode: code, Reason: reason, DeniedAt: time.Now().Unix()}
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invitation: marshal denial: %w", err)
	}
	rumor := &envelope.Event{
		Pubkey:  e.id.PubkeyHex(),
		Kind:    envelope.KindInvitationDenial,
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

// HandleRSVP is the owner-side router handler for kind 1340. It is
// idempotent: a second RSVP from a different pubkey for an already
// redeemed code leaves the invitation and steward record untouched and
// returns ErrAlreadyRedeemed; a replay from the same pubkey is a silent
// no-op.
func (e *Engine) HandleRSVP(rumor *envelope.Event, giftWrapID string) error {
	var payload RSVPPayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return e.markErrorForCode(payload.InviteCode, "malformed rsvp payload: "+err.Error())
	}

	ctx := context.Background()
	inv, err := e.store.FindInvitationByCode(ctx, payload.InviteCode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvitationNotFound, err)
	}

	if inv.Status == vault.InvitationInvalidated {
		return ErrInvitationInvalidated
	}
	if inv.Status == vault.InvitationRedeemed {
		if inv.RedeemerPubkey != rumor.Pubkey {
			e.log.Warnw("rejecting duplicate rsvp with a different pubkey",
				"invite_code", payload.InviteCode, "redeemer", inv.RedeemerPubkey, "attempted_by", rumor.Pubkey)
			return ErrAlreadyRedeemed
		}
		return nil // idempotent replay from the same redeemer
	}

	redeemed, err := Redeem(inv, rumor.Pubkey)
	if err != nil {
		return err
	}
	if err := e.store.PutInvitation(ctx, redeemed); err != nil {
		return err
	}

	v, err := e.store.GetVault(ctx, inv.VaultID)
	if err != nil {
		return err
	}
	if v.BackupPlan != nil {
		found := false
		for i := range v.BackupPlan.Stewards {
			if v.BackupPlan.Stewards[i].InviteCode == payload.InviteCode {
				v.BackupPlan.Stewards[i].Status = vault.StewardAccepted
				v.BackupPlan.Stewards[i].Pubkey = rumor.Pubkey
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: invite code %s matches vault %s but no steward record references it",
				ErrVaultMismatch, payload.InviteCode, inv.VaultID)
		}
		if err := e.store.PutVault(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// HandleDenial is the owner-side router handler for kind 1341.
func (e *Engine) HandleDenial(rumor *envelope.Event, giftWrapID string) error {
	var payload DenialPayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return e.markErrorForCode(payload.InviteCode, "malformed denial payload: "+err.Error())
	}

	ctx := context.Background()
	inv, err := e.store.FindInvitationByCode(ctx, payload.InviteCode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvitationNotFound, err)
	}
	if inv.Status != vault.InvitationPending && inv.Status != vault.InvitationCreated {
		return nil // already terminal; denial is a no-op
	}

	denied, err := Deny(inv)
	if err != nil {
		return err
	}
	return e.store.PutInvitation(ctx, denied)
}

// Invalidate is the owner side: revoke a link before it is redeemed, e.g.
// because the steward was removed.
func (e *Engine) Invalidate(ctx context.Context, code, reason string) error {
	inv, err := e.store.FindInvitationByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvitationNotFound, err)
	}
	invalidated, err := Invalidate(inv, reason)
	if err != nil {
		return err
	}
	return e.store.PutInvitation(ctx, invalidated)
}

func (e *Engine) markErrorForCode(code, reason string) error {
	if code == "" {
		return fmt.Errorf("%w: %s", ErrInvalidInvitationCode, reason)
	}
	ctx := context.Background()
	inv, err := e.store.FindInvitationByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvitationNotFound, err)
	}
	marked, err := MarkError(inv, reason)
	if err != nil {
		return err
	}
	return e.store.PutInvitation(ctx, marked)
}
