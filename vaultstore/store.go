// Package vaultstore specifies the persistence contract every engine
// depends on. It deliberately says nothing about encoding or storage
// engine; see boltstore for the concrete BoltDB-backed implementation.
package vaultstore

import (
	"context"
	"errors"

	"github.com/mplorentz/keydex-sub000/vault"
)

var (
	ErrNotFound         = errors.New("vaultstore: not found")
	ErrConflict         = errors.New("vaultstore: conflict")
	ErrStoreUnavailable = errors.New("vaultstore: store unavailable")
)

// RecordKind identifies which bucket/collection a ChangeNotification came
// from, so UI layers can invalidate the right view without decoding the
// record itself.
type RecordKind string

const (
	KindVault           RecordKind = "vault"
	KindReceivedShare   RecordKind = "received_share"
	KindInvitation      RecordKind = "invitation"
	KindRecoveryRequest RecordKind = "recovery_request"
)

// ChangeNotification is emitted exactly once per committed write, per
// spec.md's atomicity requirement.
type ChangeNotification struct {
	Kind RecordKind
	ID   string
}

// Store is the vault store contract (C9). Every operation appears atomic
// to concurrent observers.
type Store interface {
	PutVault(ctx context.Context, v *vault.Vault) error
	GetVault(ctx context.Context, id vault.ID) (*vault.Vault, error)
	ListVaults(ctx context.Context) ([]*vault.Vault, error)
	DeleteVault(ctx context.Context, id vault.ID) error

	PutReceivedShare(ctx context.Context, vaultID vault.ID, share *vault.ReceivedShare) error
	GetReceivedShare(ctx context.Context, vaultID vault.ID) (*vault.ReceivedShare, error)
	DeleteReceivedShare(ctx context.Context, vaultID vault.ID) error

	PutInvitation(ctx context.Context, inv *vault.Invitation) error
	FindInvitationByCode(ctx context.Context, code string) (*vault.Invitation, error)
	ListPendingInvitations(ctx context.Context, vaultID vault.ID) ([]*vault.Invitation, error)

	PutRecoveryRequest(ctx context.Context, rr *vault.RecoveryRequest) error
	GetRecoveryRequest(ctx context.Context, id vault.ID) (*vault.RecoveryRequest, error)
	ListRecoveryRequests(ctx context.Context) ([]*vault.RecoveryRequest, error)
	UpsertResponse(ctx context.Context, rrID vault.ID, stewardPubkey string, resp vault.RecoveryResponse) error

	ClearAll(ctx context.Context) error

	// Watch returns a channel of committed-write notifications. The
	// channel is closed when the store is closed.
	Watch() <-chan ChangeNotification

	Close() error
}
