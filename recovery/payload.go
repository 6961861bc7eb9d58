package recovery

import "github.com/mplorentz/keydex-sub000/vault"

// RequestPayload is the content of a kind-1338 rumor: the initiator's
// recovery request, gift-wrapped individually to each steward.
type RequestPayload struct {
	RecoveryRequestID string `json:"recovery_request_id"`
	VaultID           string `json:"vault_id"`
	RequestedAt       int64  `json:"requested_at"`
	ExpiresAt         *int64 `json:"expires_at,omitempty"`
	Threshold         int    `json:"threshold"`
}

// ResponsePayload is the content of a kind-1339 rumor: a steward's
// approve/deny answer. Share is only populated when Approved is true.
type ResponsePayload struct {
	RecoveryRequestID string              `json:"recovery_request_id"`
	Approved          bool                `json:"approved"`
	RespondedAt       int64               `json:"responded_at"`
	Share             *vault.SharePayload `json:"share,omitempty"`
}
