package boltstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), log.New(log.ErrorLevel, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	id, err := vault.NewID()
	require.NoError(t, err)
	return &vault.Vault{
		ID:          id,
		Name:        "test vault",
		Content:     []byte("hunter2"),
		OwnerPubkey: "abc123",
		CreatedAt:   time.Now(),
	}
}

func TestPutGetVaultRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := newTestVault(t)

	require.NoError(t, s.PutVault(ctx, v))

	got, err := s.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Name, got.Name)
	assert.Equal(t, v.Content, got.Content)
}

func TestGetVaultNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetVault(context.Background(), vault.ID("0000000000000000000000000000aa"))
	assert.ErrorIs(t, err, vaultstore.ErrNotFound)
}

func TestListVaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v1 := newTestVault(t)
	v2 := newTestVault(t)
	require.NoError(t, s.PutVault(ctx, v1))
	require.NoError(t, s.PutVault(ctx, v2))

	all, err := s.ListVaults(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteVault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v := newTestVault(t)
	require.NoError(t, s.PutVault(ctx, v))
	require.NoError(t, s.DeleteVault(ctx, v.ID))

	_, err := s.GetVault(ctx, v.ID)
	assert.ErrorIs(t, err, vaultstore.ErrNotFound)
}

func TestWatchNotifiesOnCommittedWrite(t *testing.T) {
	s := openTestStore(t)
	notifications := s.Watch()

	v := newTestVault(t)
	require.NoError(t, s.PutVault(context.Background(), v))

	select {
	case n := <-notifications:
		assert.Equal(t, vaultstore.KindVault, n.Kind)
		assert.Equal(t, string(v.ID), n.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestUpsertResponseIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vaultID, err := vault.NewID()
	require.NoError(t, err)
	rrID, err := vault.NewID()
	require.NoError(t, err)
	rr := &vault.RecoveryRequest{
		ID:          rrID,
		VaultID:     vaultID,
		Threshold:   2,
		RequestedAt: time.Now(),
		Responses:   map[string]vault.RecoveryResponse{},
	}
	require.NoError(t, s.PutRecoveryRequest(ctx, rr))

	require.NoError(t, s.UpsertResponse(ctx, rrID, "steward-a", vault.RecoveryResponse{Status: vault.ResponseApproved}))
	require.NoError(t, s.UpsertResponse(ctx, rrID, "steward-b", vault.RecoveryResponse{Status: vault.ResponseDenied}))

	got, err := s.GetRecoveryRequest(ctx, rrID)
	require.NoError(t, err)
	assert.Len(t, got.Responses, 2)
	assert.Equal(t, vault.ResponseApproved, got.Responses["steward-a"].Status)
	assert.Equal(t, vault.ResponseDenied, got.Responses["steward-b"].Status)
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutVault(ctx, newTestVault(t)))

	require.NoError(t, s.ClearAll(ctx))

	all, err := s.ListVaults(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFindInvitationByCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vaultID, err := vault.NewID()
	require.NoError(t, err)

	inv := &vault.Invitation{
		InviteCode:  "abcdefghijklmnopqrstuvwxyz01",
		VaultID:     vaultID,
		OwnerPubkey: "owner",
		RelayURLs:   []string{"wss://relay.example.com"},
		CreatedAt:   time.Now(),
		Status:      vault.InvitationCreated,
	}
	require.NoError(t, s.PutInvitation(ctx, inv))

	got, err := s.FindInvitationByCode(ctx, inv.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, inv.OwnerPubkey, got.OwnerPubkey)

	pending, err := s.ListPendingInvitations(ctx, vaultID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
