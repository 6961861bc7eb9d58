package invitation

// RSVPPayload is the content of a kind-1340 rumor: the invitee accepting
// an invite.
type RSVPPayload struct {
	InviteCode string `json:"invite_code"`
	AcceptedAt int64  `json:"accepted_at"`
}

// DenialPayload is the content of a kind-1341 rumor: the invitee declining.
type DenialPayload struct {
	InviteCode string `json:"invite_code"`
	Reason     string `json:"reason,omitempty"`
	DeniedAt   int64  `json:"denied_at"`
}
