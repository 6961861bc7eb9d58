package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplorentz/keydex-sub000/vault"
)

func newRequest(status vault.RecoveryStatus) *vault.RecoveryRequest {
	return &vault.RecoveryRequest{Status: status}
}

func TestPendingToSent(t *testing.T) {
	rr, err := Sent(newRequest(vault.RecoveryPending))
	require.NoError(t, err)
	assert.Equal(t, vault.RecoverySent, rr.Status)
}

func TestSentToInProgress(t *testing.T) {
	rr, err := ReceiveResponse(newRequest(vault.RecoverySent))
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryInProgress, rr.Status)
}

func TestInProgressToCompleted(t *testing.T) {
	rr, err := Complete(newRequest(vault.RecoveryInProgress))
	require.NoError(t, err)
	assert.Equal(t, vault.RecoveryCompleted, rr.Status)
}

func TestSentCannotCompleteDirectly(t *testing.T) {
	_, err := Complete(newRequest(vault.RecoverySent))
	assert.ErrorIs(t, err, ErrInvalidStateChange)
}

func TestCompletedIsTerminal(t *testing.T) {
	_, err := Cancel(newRequest(vault.RecoveryCompleted))
	assert.ErrorIs(t, err, ErrInvalidStateChange)
	_, err = Fail(newRequest(vault.RecoveryCompleted), "x")
	assert.ErrorIs(t, err, ErrInvalidStateChange)
}

func TestFailRecordsReason(t *testing.T) {
	rr, err := Fail(newRequest(vault.RecoveryInProgress), "denied")
	require.NoError(t, err)
	assert.Equal(t, "denied", rr.FailureReason)
}
