package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/relay"
	"github.com/mplorentz/keydex-sub000/share"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore"
)

// Engine drives both sides of the recovery ceremony: the initiator who
// requests shares back and the steward whose device holds one.
type Engine struct {
	log     log.Logger
	store   vaultstore.Store
	gateway *relay.Gateway
	id      *identity.Identity
	clock   clockwork.Clock
}

// New builds a recovery engine with the real wall clock, the way the
// teacher's core/config.go defaults its Clock field to
// clockwork.NewRealClock().
func New(logger log.Logger, store vaultstore.Store, gateway *relay.Gateway, id *identity.Identity) *Engine {
	return &Engine{log: logger.Named("recovery"), store: store, gateway: gateway, id: id, clock: clockwork.NewRealClock()}
}

// Initiate starts a recovery ceremony for v: it creates a pending request,
// gift-wraps a kind-1338 ask to every accepted steward, and transitions the
// request to sent.
func (e *Engine) Initiate(ctx context.Context, v *vault.Vault, expiresIn *time.Duration) (*vault.RecoveryRequest, error) {
	if v.BackupPlan == nil {
		return nil, fmt.Errorf("recovery: vault has no backup plan")
	}
	accepted := v.BackupPlan.AcceptedStewards()
	now := e.clock.Now()
	rr := &vault.RecoveryRequest{
		ID:              vault.ID(uuid.New().String()),
		VaultID:         v.ID,
		InitiatorPubkey: e.id.PubkeyHex(),
		RequestedAt:     now,
		Threshold:       v.BackupPlan.Threshold,
		TotalStewards:   len(accepted),
		PlanVersion:     v.BackupPlan.Version,
		ContentDigest:   v.BackupPlan.ContentDigest,
		Responses:       make(map[string]vault.RecoveryResponse),
		Status:          vault.RecoveryPending,
	}
	var expiresAtUnix *int64
	if expiresIn != nil {
		at := now.Add(*expiresIn)
		rr.ExpiresAt = &at
		u := at.Unix()
		expiresAtUnix = &u
	}
	if err := rr.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.PutRecoveryRequest(ctx, rr); err != nil {
		return nil, err
	}

	payload := RequestPayload{
		RecoveryRequestID: string(rr.ID),
		VaultID:           string(v.ID),
		RequestedAt:       now.Unix(),
		ExpiresAt:         expiresAtUnix,
		Threshold:         rr.Threshold,
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("recovery: marshal request payload: %w", err)
	}

	for _, s := range accepted {
		rumor := &envelope.Event{
			Pubkey:  e.id.PubkeyHex(),
			Kind:    envelope.KindRecoveryRequest,
			Tags:    envelope.Tags{},
			Content: string(content),
		}
		wrapped, err := envelope.Wrap(rumor, e.id, s.Pubkey, nil)
		if err != nil {
			return nil, fmt.Errorf("recovery: wrap request for %s: %w", s.Name, err)
		}
		if _, err := e.gateway.Publish(ctx, wrapped); err != nil {
			e.log.Warnw("failed to publish recovery request to steward", "steward", s.Name, "error", err)
		}
	}

	sent, err := Sent(rr)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutRecoveryRequest(ctx, sent); err != nil {
		return nil, err
	}
	return sent, nil
}

// HandleRecoveryRequest is the steward-device-side router handler for kind
// 1338: look up the locally stored share for the named vault and ask the
// caller's UI layer to collect an approve/deny decision. Since the protocol
// has no synchronous reply channel, this only validates and returns the
// share to respond with; callers invoke Approve or Deny once the human
// decision is made.
func (e *Engine) HandleRecoveryRequest(rumor *envelope.Event, giftWrapID string) (*RequestPayload, *vault.ReceivedShare, error) {
	var payload RequestPayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return nil, nil, fmt.Errorf("recovery: malformed request payload: %w", err)
	}
	ctx := context.Background()
	received, err := e.store.GetReceivedShare(ctx, vault.ID(payload.VaultID))
	if err != nil {
		return &payload, nil, err
	}
	return &payload, received, nil
}

// Approve is the steward-device side: publish a kind-1339 response
// carrying the plaintext share payload.
func (e *Engine) Approve(ctx context.Context, initiatorPubkeyHex string, req *RequestPayload, share vault.SharePayload) error {
	payload := ResponsePayload{
		RecoveryRequestID: req.RecoveryRequestID,
		Approved:          true,
		RespondedAt:       e.clock.Now().Unix(),
		Share:             &share,
	}
	return e.publishResponse(ctx, initiatorPubkeyHex, payload)
}

// Deny is the steward-device side: publish a kind-1339 denial.
func (e *Engine) Deny(ctx context.Context, initiatorPubkeyHex string, req *RequestPayload) error {
	payload := ResponsePayload{
		RecoveryRequestID: req.RecoveryRequestID,
		Approved:          false,
		RespondedAt:       e.clock.Now().Unix(),
	}
	return e.publishResponse(ctx, initiatorPubkeyHex, payload)
}

func (e *Engine) publishResponse(ctx context.Context, initiatorPubkeyHex string, payload ResponsePayload) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("recovery: marshal response payload: %w", err)
	}
	rumor := &envelope.Event{
		Pubkey:  e.id.PubkeyHex(),
		Kind:    envelope.KindRecoveryResponse,
		Tags:    envelope.Tags{},
		Content: string(content),
	}
	wrapped, err := envelope.Wrap(rumor, e.id, initiatorPubkeyHex, nil)
	if err != nil {
		return err
	}
	_, err = e.gateway.Publish(ctx, wrapped)
	return err
}

// HandleResponse is the initiator-side router handler for kind 1339. It
// records the steward's response, re-evaluates thresholds, and attempts
// reconstruction once enough approvals for a consistent plan version have
// arrived.
func (e *Engine) HandleResponse(rumor *envelope.Event, giftWrapID string) error {
	var payload ResponsePayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return fmt.Errorf("recovery: malformed response payload: %w", err)
	}

	ctx := context.Background()
	rr, err := e.store.GetRecoveryRequest(ctx, vault.ID(payload.RecoveryRequestID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestNotFound, err)
	}
	if isTerminal(rr.Status) {
		// Cancellation/completion/failure is terminal; further responses
		// are ignored, per spec.md's idempotent-after-terminal rule.
		return nil
	}
	if _, exists := rr.Responses[rumor.Pubkey]; exists {
		return nil // replay from the same steward is a no-op
	}

	resp := vault.RecoveryResponse{EventID: giftWrapID}
	now := e.clock.Now()
	resp.RespondedAt = &now
	if payload.Approved {
		resp.Status = vault.ResponseApproved
		resp.ReceivedShare = payload.Share
	} else {
		resp.Status = vault.ResponseDenied
	}
	if err := e.store.UpsertResponse(ctx, rr.ID, rumor.Pubkey, resp); err != nil {
		return err
	}

	rr, err = e.store.GetRecoveryRequest(ctx, rr.ID)
	if err != nil {
		return err
	}
	return e.reevaluate(ctx, rr)
}

// Reevaluate is exported so a scheduler can re-check expiry and attempt
// reconstruction without waiting for a new response to arrive.
func (e *Engine) Reevaluate(ctx context.Context, rr *vault.RecoveryRequest) error {
	return e.reevaluate(ctx, rr)
}

// reevaluate first moves rr into in_progress (a response has arrived, or an
// expiry check is being forced), since Complete is only a valid
// transition out of in_progress — this lets a request that meets
// threshold on its very first response still reach completed.
func (e *Engine) reevaluate(ctx context.Context, rr *vault.RecoveryRequest) error {
	if isTerminal(rr.Status) {
		return nil
	}
	if rr.Status != vault.RecoveryInProgress {
		progressed, err := ReceiveResponse(rr)
		if err != nil {
			return err
		}
		rr = progressed
	}

	if rr.ExpiresAt != nil && e.clock.Now().After(*rr.ExpiresAt) {
		approved := e.approvedForCurrentVersion(rr)
		if len(approved) >= rr.Threshold {
			return e.attemptReconstruction(ctx, rr, approved)
		}
		failed, err := Fail(rr, ErrExpired.Error())
		if err != nil {
			return err
		}
		return e.store.PutRecoveryRequest(ctx, failed)
	}

	n := rr.TotalStewards
	if n > 0 && rr.DeniedCount() >= n-rr.Threshold+1 {
		failed, err := Fail(rr, ErrDenied.Error())
		if err != nil {
			return err
		}
		return e.store.PutRecoveryRequest(ctx, failed)
	}

	approved := e.approvedForCurrentVersion(rr)
	if len(approved) >= rr.Threshold {
		return e.attemptReconstruction(ctx, rr, approved)
	}

	return e.store.PutRecoveryRequest(ctx, rr)
}

// approvedForCurrentVersion filters rr's approved responses down to the
// current plan version, logging ErrPlanVersionMismatch for any approved
// share that belonged to a stale distribution round (e.g. mixing a v1 and
// two v2 shares after a redistribution) instead of dropping it silently.
func (e *Engine) approvedForCurrentVersion(rr *vault.RecoveryRequest) []vault.RecoveryResponse {
	if mismatched := rr.MismatchedForVersion(rr.PlanVersion); len(mismatched) > 0 {
		e.log.Warnw(ErrPlanVersionMismatch.Error(),
			"recovery_request", rr.ID, "plan_version", rr.PlanVersion, "dropped", len(mismatched))
	}
	return rr.ApprovedForVersion(rr.PlanVersion)
}

func (e *Engine) attemptReconstruction(ctx context.Context, rr *vault.RecoveryRequest, approved []vault.RecoveryResponse) error {
	shares := make([]share.Share, 0, len(approved))
	for _, resp := range approved {
		raw, err := decodeShareBytes(resp.ReceivedShare.YBase64)
		if err != nil {
			failed, ferr := Fail(rr, fmt.Sprintf("malformed share: %v", err))
			if ferr != nil {
				return ferr
			}
			return e.store.PutRecoveryRequest(ctx, failed)
		}
		shares = append(shares, share.Share{Index: resp.ReceivedShare.Index, Bytes: raw})
	}

	padded, err := share.CombineWithThreshold(shares, rr.Threshold)
	if err != nil {
		failed, ferr := Fail(rr, ErrInsufficientShares.Error())
		if ferr != nil {
			return ferr
		}
		return e.store.PutRecoveryRequest(ctx, failed)
	}
	content, err := share.Unpad(padded)
	if err != nil {
		failed, ferr := Fail(rr, fmt.Sprintf("unpad failed: %v", err))
		if ferr != nil {
			return ferr
		}
		return e.store.PutRecoveryRequest(ctx, failed)
	}

	digest := sha256.Sum256(content)
	if hex.EncodeToString(digest[:]) != rr.ContentDigest {
		failed, ferr := Fail(rr, ErrDigestMismatch.Error())
		if ferr != nil {
			return ferr
		}
		return e.store.PutRecoveryRequest(ctx, failed)
	}

	v, err := e.store.GetVault(ctx, rr.VaultID)
	if err == nil {
		v.Content = content
		if err := e.store.PutVault(ctx, v); err != nil {
			return err
		}
	}

	completed, err := Complete(rr)
	if err != nil {
		return err
	}
	return e.store.PutRecoveryRequest(ctx, completed)
}

// Cancel is the initiator side: stop a request before it completes.
func (e *Engine) Cancel(ctx context.Context, rrID vault.ID) error {
	rr, err := e.store.GetRecoveryRequest(ctx, rrID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestNotFound, err)
	}
	cancelled, err := Cancel(rr)
	if err != nil {
		return err
	}
	return e.store.PutRecoveryRequest(ctx, cancelled)
}

func isTerminal(s vault.RecoveryStatus) bool {
	return s == vault.RecoveryCompleted || s == vault.RecoveryFailed || s == vault.RecoveryCancelled
}

func decodeShareBytes(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}
