package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/relay"
	"github.com/mplorentz/keydex-sub000/share"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore/boltstore"
)

func testLogger() log.Logger {
	return log.New(log.ErrorLevel, false)
}

type fixture struct {
	e         *Engine
	store     *boltstore.Store
	v         *vault.Vault
	initiator *identity.Identity
	stewards  []*identity.Identity
	shares    []share.Share
	digest    string
}

func setupRecovery(t *testing.T, threshold, total int) *fixture {
	t.Helper()
	store, err := boltstore.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	initiator, err := identity.Generate()
	require.NoError(t, err)

	content := []byte("the buried treasure")
	padded, err := share.Pad(content)
	require.NoError(t, err)
	shares, err := share.Split(padded, threshold, total)
	require.NoError(t, err)
	digest := sha256.Sum256(content)
	digestHex := hex.EncodeToString(digest[:])

	stewards := make([]*identity.Identity, total)
	planStewards := make([]vault.Steward, total)
	for i := 0; i < total; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		stewards[i] = id
		planStewards[i] = vault.Steward{
			Name: "steward", Status: vault.StewardAccepted, Pubkey: id.PubkeyHex(), AssignedIndex: shares[i].Index,
		}
	}

	vaultID, err := vault.NewID()
	require.NoError(t, err)
	v := &vault.Vault{
		ID:          vaultID,
		Name:        "test",
		Content:     content,
		OwnerPubkey: initiator.PubkeyHex(),
		CreatedAt:   time.Now(),
		BackupPlan: &vault.BackupPlan{
			Threshold:     threshold,
			Stewards:      planStewards,
			Relays:        []string{"wss://relay.example.com"},
			Status:        vault.PlanDistributed,
			ContentDigest: digestHex,
		},
	}
	require.NoError(t, store.PutVault(context.Background(), v))

	gateway, err := relay.NewGateway(testLogger(), []string{"wss://relay.example.com"}, initiator.PubkeyHex(), nil)
	require.NoError(t, err)

	e := New(testLogger(), store, gateway, initiator)
	return &fixture{e: e, store: store, v: v, initiator: initiator, stewards: stewards, shares: shares, digest: digestHex}
}

func (f *fixture) sharePayloadFor(i int) vault.SharePayload {
	return vault.SharePayload{
		VaultID:       f.v.ID,
		PlanVersion:   f.v.BackupPlan.Version,
		Threshold:     f.v.BackupPlan.Threshold,
		Total:         len(f.stewards),
		Index:         f.shares[i].Index,
		YBase64:       base64.StdEncoding.EncodeToString(f.shares[i].Bytes),
		ContentDigest: f.digest,
	}
}

func TestInitiateCreatesSentRequest(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoverySent, rr.Status)
	assert.Equal(t, 3, rr.TotalStewards)
	assert.Equal(t, 2, rr.Threshold)
}

func approveResponse(t *testing.T, f *fixture, rr *vault.RecoveryRequest, stewardIdx int) *envelope.Event {
	t.Helper()
	payload := ResponsePayload{
		RecoveryRequestID: string(rr.ID),
		Approved:          true,
		RespondedAt:       time.Now().Unix(),
	}
	sp := f.sharePayloadFor(stewardIdx)
	payload.Share = &sp
	content, err := json.Marshal(payload)
	require.NoError(t, err)
	return &envelope.Event{Pubkey: f.stewards[stewardIdx].PubkeyHex(), Content: string(content)}
}

func approveResponseWithVersion(t *testing.T, f *fixture, rr *vault.RecoveryRequest, stewardIdx, planVersion int) *envelope.Event {
	t.Helper()
	payload := ResponsePayload{
		RecoveryRequestID: string(rr.ID),
		Approved:          true,
		RespondedAt:       time.Now().Unix(),
	}
	sp := f.sharePayloadFor(stewardIdx)
	sp.PlanVersion = planVersion
	payload.Share = &sp
	content, err := json.Marshal(payload)
	require.NoError(t, err)
	return &envelope.Event{Pubkey: f.stewards[stewardIdx].PubkeyHex(), Content: string(content)}
}

func denyResponse(t *testing.T, f *fixture, rr *vault.RecoveryRequest, stewardIdx int) *envelope.Event {
	t.Helper()
	payload := ResponsePayload{RecoveryRequestID: string(rr.ID), Approved: false, RespondedAt: time.Now().Unix()}
	content, err := json.Marshal(payload)
	require.NoError(t, err)
	return &envelope.Event{Pubkey: f.stewards[stewardIdx].PubkeyHex(), Content: string(content)}
}

func TestHandleResponseCompletesOnThreshold(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)

	require.NoError(t, f.e.HandleResponse(approveResponse(t, f, rr, 0), "gw-0"))
	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryInProgress, got.Status)

	require.NoError(t, f.e.HandleResponse(approveResponse(t, f, rr, 1), "gw-1"))
	got, err = f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCompleted, got.Status)

	gotVault, err := f.store.GetVault(context.Background(), f.v.ID)
	require.NoError(t, err)
	assert.Equal(t, f.v.Content, gotVault.Content)
}

func TestHandleResponseCompletesOnFirstResponseWhenThresholdIsOne(t *testing.T) {
	f := setupRecovery(t, 1, 2)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)

	require.NoError(t, f.e.HandleResponse(approveResponse(t, f, rr, 0), "gw-0"))
	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCompleted, got.Status)
}

func TestHandleResponseIgnoresReplayFromSameSteward(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)

	ev := approveResponse(t, f, rr, 0)
	require.NoError(t, f.e.HandleResponse(ev, "gw-0"))
	require.NoError(t, f.e.HandleResponse(ev, "gw-0"))

	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Len(t, got.Responses, 1)
}

func TestHandleResponseFailsOnTooManyDenials(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)

	// n=3, t=2: denied threshold is n-t+1 = 2.
	require.NoError(t, f.e.HandleResponse(denyResponse(t, f, rr, 0), "gw-0"))
	require.NoError(t, f.e.HandleResponse(denyResponse(t, f, rr, 1), "gw-1"))

	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryFailed, got.Status)
	assert.Equal(t, ErrDenied.Error(), got.FailureReason)
}

func TestHandleResponseIgnoredAfterTerminal(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)
	require.NoError(t, f.e.Cancel(context.Background(), rr.ID))

	ev := approveResponse(t, f, rr, 0)
	err = f.e.HandleResponse(ev, "gw-0")
	require.NoError(t, err)

	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCancelled, got.Status)
	assert.Empty(t, got.Responses)
}

// TestHandleResponseRejectsMixedPlanVersions covers spec scenario 6: a v1
// share mixed with two v2 shares is rejected during filtering
// (PlanVersionMismatch), but the two matching v2 shares still complete the
// request once they alone meet threshold.
func TestHandleResponseRejectsMixedPlanVersions(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	f.v.BackupPlan.Version = 2
	require.NoError(t, f.store.PutVault(context.Background(), f.v))
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)
	require.Equal(t, 2, rr.PlanVersion)

	require.NoError(t, f.e.HandleResponse(approveResponseWithVersion(t, f, rr, 0, 1), "gw-0"))
	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryInProgress, got.Status, "a single stale-version approval must not satisfy threshold")

	require.NoError(t, f.e.HandleResponse(approveResponseWithVersion(t, f, rr, 1, 2), "gw-1"))
	got, err = f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryInProgress, got.Status, "only one matching-version approval is not yet threshold")

	require.NoError(t, f.e.HandleResponse(approveResponseWithVersion(t, f, rr, 2, 2), "gw-2"))
	got, err = f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCompleted, got.Status, "two matching-version approvals should complete despite the stale one")
}

func TestHandleResponseSucceedsWhenAllSharesMatchCurrentVersion(t *testing.T) {
	f := setupRecovery(t, 2, 2)
	rr, err := f.e.Initiate(context.Background(), f.v, nil)
	require.NoError(t, err)

	require.NoError(t, f.e.HandleResponse(approveResponseWithVersion(t, f, rr, 0, rr.PlanVersion), "gw-0"))
	require.NoError(t, f.e.HandleResponse(approveResponseWithVersion(t, f, rr, 1, rr.PlanVersion), "gw-1"))

	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCompleted, got.Status)

	gotVault, err := f.store.GetVault(context.Background(), f.v.ID)
	require.NoError(t, err)
	assert.Equal(t, f.v.Content, gotVault.Content)
}

func TestReevaluateFailsRequestAfterExpiryWithoutThreshold(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	fakeClock := clockwork.NewFakeClock()
	f.e.clock = fakeClock

	expiresIn := time.Minute
	rr, err := f.e.Initiate(context.Background(), f.v, &expiresIn)
	require.NoError(t, err)

	require.NoError(t, f.e.HandleResponse(approveResponse(t, f, rr, 0), "gw-0"))
	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	require.Equal(t, vault.RecoveryInProgress, got.Status)

	fakeClock.Advance(2 * time.Minute)
	require.NoError(t, f.e.Reevaluate(context.Background(), got))

	got, err = f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryFailed, got.Status)
	assert.Equal(t, ErrExpired.Error(), got.FailureReason)
}

func TestReevaluateCompletesAtExpiryIfThresholdAlreadyMet(t *testing.T) {
	f := setupRecovery(t, 2, 3)
	fakeClock := clockwork.NewFakeClock()
	f.e.clock = fakeClock

	expiresIn := time.Minute
	rr, err := f.e.Initiate(context.Background(), f.v, &expiresIn)
	require.NoError(t, err)

	require.NoError(t, f.e.HandleResponse(approveResponse(t, f, rr, 0), "gw-0"))
	require.NoError(t, f.e.HandleResponse(approveResponse(t, f, rr, 1), "gw-1"))
	got, err := f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	require.Equal(t, vault.RecoveryCompleted, got.Status)

	fakeClock.Advance(2 * time.Minute)
	require.NoError(t, f.e.Reevaluate(context.Background(), got))

	got, err = f.store.GetRecoveryRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCompleted, got.Status, "reevaluating an already-completed request is a no-op")
}
