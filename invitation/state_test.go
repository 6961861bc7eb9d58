package invitation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplorentz/keydex-sub000/vault"
)

func freshInvitation() *vault.Invitation {
	return &vault.Invitation{
		InviteCode: "abcdefghijklmnopqrstuvwxyz01",
		Status:     vault.InvitationCreated,
	}
}

func TestCreatedToPending(t *testing.T) {
	inv := freshInvitation()
	next, err := Pending(inv)
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationPending, next.Status)
}

func TestPendingToRedeemed(t *testing.T) {
	inv := freshInvitation()
	inv.Status = vault.InvitationPending
	next, err := Redeem(inv, "pubkey-a")
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationRedeemed, next.Status)
	assert.Equal(t, "pubkey-a", next.RedeemerPubkey)
}

func TestRedeemedIsTerminal(t *testing.T) {
	inv := freshInvitation()
	inv.Status = vault.InvitationRedeemed
	_, err := Redeem(inv, "pubkey-b")
	assert.ErrorIs(t, err, ErrInvalidStateChange)

	_, err = Deny(inv)
	assert.ErrorIs(t, err, ErrInvalidStateChange)
}

func TestInvalidateFromCreatedOrPending(t *testing.T) {
	inv := freshInvitation()
	next, err := Invalidate(inv, "steward removed")
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationInvalidated, next.Status)
	assert.Equal(t, "steward removed", next.RevocationReason)

	inv2 := freshInvitation()
	inv2.Status = vault.InvitationPending
	next2, err := Invalidate(inv2, "owner cancelled")
	require.NoError(t, err)
	assert.Equal(t, vault.InvitationInvalidated, next2.Status)
}

func TestInvalidateFromTerminalFails(t *testing.T) {
	inv := freshInvitation()
	inv.Status = vault.InvitationDenied
	_, err := Invalidate(inv, "too late")
	assert.ErrorIs(t, err, ErrInvalidStateChange)
}
