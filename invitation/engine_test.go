package invitation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore/boltstore"
)

func testLogger() log.Logger {
	return log.New(log.ErrorLevel, false)
}

func setupEngine(t *testing.T) (*Engine, *boltstore.Store, *vault.Vault) {
	t.Helper()
	store, err := boltstore.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	owner, err := identity.Generate()
	require.NoError(t, err)

	vaultID, err := vault.NewID()
	require.NoError(t, err)
	v := &vault.Vault{
		ID:          vaultID,
		Name:        "test",
		Content:     []byte("secret"),
		OwnerPubkey: owner.PubkeyHex(),
		CreatedAt:   time.Now(),
		BackupPlan: &vault.BackupPlan{
			Threshold: 2,
			Stewards:  []vault.Steward{},
			Relays:    []string{"wss://relay.example.com"},
			Status:    vault.PlanDraft,
		},
	}
	require.NoError(t, store.PutVault(context.Background(), v))

	e := New(testLogger(), store, nil, owner)
	return e, store, v
}

func TestCreateInvitationPersistsPendingInvitationAndInvitedSteward(t *testing.T) {
	e, store, v := setupEngine(t)
	ctx := context.Background()

	inv, link, err := e.Create(ctx, v, "horcrux.example.com", "alice")
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationPending, inv.Status)
	assert.Contains(t, link, "/invite/"+inv.InviteCode)

	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, got.BackupPlan.Stewards, 1)
	assert.Equal(t, vault.StewardInvited, got.BackupPlan.Stewards[0].Status)
	assert.Equal(t, inv.InviteCode, got.BackupPlan.Stewards[0].InviteCode)
}

func TestHandleRSVPRedeemsAndUpdatesSteward(t *testing.T) {
	e, store, v := setupEngine(t)
	ctx := context.Background()

	inv, _, err := e.Create(ctx, v, "host", "bob")
	require.NoError(t, err)

	redeemer, err := identity.Generate()
	require.NoError(t, err)
	payload := RSVPPayload{InviteCode: inv.InviteCode, AcceptedAt: time.Now().Unix()}
	content, _ := json.Marshal(payload)
	rumor := &envelope.Event{Pubkey: redeemer.PubkeyHex(), Content: string(content)}

	require.NoError(t, e.HandleRSVP(rumor, "gift-wrap-id"))

	gotInv, err := store.FindInvitationByCode(ctx, inv.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationRedeemed, gotInv.Status)
	assert.Equal(t, redeemer.PubkeyHex(), gotInv.RedeemerPubkey)

	gotVault, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.StewardAccepted, gotVault.BackupPlan.Stewards[0].Status)
	assert.Equal(t, redeemer.PubkeyHex(), gotVault.BackupPlan.Stewards[0].Pubkey)
}

func TestHandleRSVPRejectsSecondRedeemerWithDifferentPubkey(t *testing.T) {
	e, store, v := setupEngine(t)
	ctx := context.Background()

	inv, _, err := e.Create(ctx, v, "host", "carol")
	require.NoError(t, err)

	first, err := identity.Generate()
	require.NoError(t, err)
	second, err := identity.Generate()
	require.NoError(t, err)

	payload1, _ := json.Marshal(RSVPPayload{InviteCode: inv.InviteCode, AcceptedAt: time.Now().Unix()})
	require.NoError(t, e.HandleRSVP(&envelope.Event{Pubkey: first.PubkeyHex(), Content: string(payload1)}, "gift-wrap-1"))

	payload2, _ := json.Marshal(RSVPPayload{InviteCode: inv.InviteCode, AcceptedAt: time.Now().Unix()})
	err = e.HandleRSVP(&envelope.Event{Pubkey: second.PubkeyHex(), Content: string(payload2)}, "gift-wrap-2")
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)

	gotInv, err := store.FindInvitationByCode(ctx, inv.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, first.PubkeyHex(), gotInv.RedeemerPubkey)
}

func TestHandleRSVPReplayFromSameRedeemerIsNoOp(t *testing.T) {
	e, _, v := setupEngine(t)
	ctx := context.Background()

	inv, _, err := e.Create(ctx, v, "host", "dana")
	require.NoError(t, err)

	redeemer, err := identity.Generate()
	require.NoError(t, err)
	payload, _ := json.Marshal(RSVPPayload{InviteCode: inv.InviteCode, AcceptedAt: time.Now().Unix()})
	rumor := &envelope.Event{Pubkey: redeemer.PubkeyHex(), Content: string(payload)}

	require.NoError(t, e.HandleRSVP(rumor, "gift-wrap-id"))
	require.NoError(t, e.HandleRSVP(rumor, "gift-wrap-id"))
}

func TestHandleRSVPRejectsInviteCodeMissingFromVaultStewards(t *testing.T) {
	e, store, v := setupEngine(t)
	ctx := context.Background()

	inv, _, err := e.Create(ctx, v, "host", "frank")
	require.NoError(t, err)

	// Simulate the vault's steward list falling out of sync with the
	// invitation store: no steward record references this invite code.
	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	got.BackupPlan.Stewards = nil
	require.NoError(t, store.PutVault(ctx, got))

	redeemer, err := identity.Generate()
	require.NoError(t, err)
	payload, _ := json.Marshal(RSVPPayload{InviteCode: inv.InviteCode, AcceptedAt: time.Now().Unix()})
	rumor := &envelope.Event{Pubkey: redeemer.PubkeyHex(), Content: string(payload)}

	err = e.HandleRSVP(rumor, "gift-wrap-id")
	assert.ErrorIs(t, err, ErrVaultMismatch)
}

func TestHandleDenialTransitionsToDenied(t *testing.T) {
	e, store, v := setupEngine(t)
	ctx := context.Background()

	inv, _, err := e.Create(ctx, v, "host", "erin")
	require.NoError(t, err)

	denier, err := identity.Generate()
	require.NoError(t, err)
	payload, _ := json.Marshal(DenialPayload{InviteCode: inv.InviteCode, Reason: "too busy", DeniedAt: time.Now().Unix()})
	rumor := &envelope.Event{Pubkey: denier.PubkeyHex(), Content: string(payload)}

	require.NoError(t, e.HandleDenial(rumor, "gift-wrap-id"))

	got, err := store.FindInvitationByCode(ctx, inv.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationDenied, got.Status)
}
