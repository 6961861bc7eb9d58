package distribution

// ConfirmationPayload is the content of a kind-1342 rumor.
type ConfirmationPayload struct {
	VaultID       string `json:"vault_id"`
	PlanVersion   int    `json:"plan_version"`
	GiftWrapEvent string `json:"gift_wrap_event_id"`
	ConfirmedAt   int64  `json:"confirmed_at"`
}

// RemovalPayload is the content of a kind-1345 rumor.
type RemovalPayload struct {
	VaultID   string `json:"vault_id"`
	RemovedAt int64  `json:"removed_at"`
}
