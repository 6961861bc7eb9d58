// Package boltstore is the vault store contract's concrete implementation,
// backed by go.etcd.io/bbolt, the same storage engine the teacher's
// chain/boltdb package uses for beacons. One bucket holds each record
// kind; records are JSON-encoded, mirroring the teacher's JSON-encoded
// beacon records.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore"
)

// FileName is the name of the file boltstore writes inside the configured
// data directory.
const FileName = "horcrux.db"

// FileOpenPerm matches the teacher's bolt store file permission.
const FileOpenPerm = 0660

var (
	vaultsBucket           = []byte("vaults")
	receivedSharesBucket   = []byte("received_shares")
	invitationsBucket      = []byte("invitations")
	recoveryRequestsBucket = []byte("recovery_requests")
)

// Store implements vaultstore.Store over a single bbolt database file.
type Store struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger
	vaultstore.Watcher
}

var _ vaultstore.Store = (*Store)(nil)

// Open creates (or reopens) the BoltDB file inside dir, creating every
// bucket the store needs up front.
func Open(dir string, logger log.Logger) (*Store, error) {
	dbPath := filepath.Join(dir, FileName)
	db, err := bolt.Open(dbPath, FileOpenPerm, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vaultstore.ErrStoreUnavailable, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{vaultsBucket, receivedSharesBucket, invitationsBucket, recoveryRequestsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vaultstore.ErrStoreUnavailable, err)
	}
	return &Store{db: db, log: logger.Named("boltstore")}, nil
}

func (s *Store) Close() error {
	s.Watcher.Close()
	return s.db.Close()
}

// Watch satisfies vaultstore.Store; each call registers a fresh subscriber.
func (s *Store) Watch() <-chan vaultstore.ChangeNotification {
	return s.Subscribe()
}

func (s *Store) PutVault(_ context.Context, v *vault.Vault) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := put(s.db, vaultsBucket, string(v.ID), v); err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindVault, ID: string(v.ID)})
	return nil
}

func (s *Store) GetVault(_ context.Context, id vault.ID) (*vault.Vault, error) {
	var v vault.Vault
	if err := get(s.db, vaultsBucket, string(id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVaults(_ context.Context) ([]*vault.Vault, error) {
	var out []*vault.Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultsBucket).ForEach(func(_, v []byte) error {
			var rec vault.Vault
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteVault(_ context.Context, id vault.ID) error {
	if err := del(s.db, vaultsBucket, string(id)); err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindVault, ID: string(id)})
	return nil
}

func (s *Store) PutReceivedShare(_ context.Context, vaultID vault.ID, share *vault.ReceivedShare) error {
	if err := put(s.db, receivedSharesBucket, string(vaultID), share); err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindReceivedShare, ID: string(vaultID)})
	return nil
}

func (s *Store) GetReceivedShare(_ context.Context, vaultID vault.ID) (*vault.ReceivedShare, error) {
	var rec vault.ReceivedShare
	if err := get(s.db, receivedSharesBucket, string(vaultID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteReceivedShare(_ context.Context, vaultID vault.ID) error {
	if err := del(s.db, receivedSharesBucket, string(vaultID)); err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindReceivedShare, ID: string(vaultID)})
	return nil
}

func (s *Store) PutInvitation(_ context.Context, inv *vault.Invitation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if err := put(s.db, invitationsBucket, inv.InviteCode, inv); err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindInvitation, ID: inv.InviteCode})
	return nil
}

func (s *Store) FindInvitationByCode(_ context.Context, code string) (*vault.Invitation, error) {
	var inv vault.Invitation
	if err := get(s.db, invitationsBucket, code, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListPendingInvitations(_ context.Context, vaultID vault.ID) ([]*vault.Invitation, error) {
	var out []*vault.Invitation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(invitationsBucket).ForEach(func(_, v []byte) error {
			var rec vault.Invitation
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.VaultID != vaultID {
				return nil
			}
			if rec.Status == vault.InvitationCreated || rec.Status == vault.InvitationPending {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) PutRecoveryRequest(_ context.Context, rr *vault.RecoveryRequest) error {
	if err := rr.Validate(); err != nil {
		return err
	}
	if err := put(s.db, recoveryRequestsBucket, string(rr.ID), rr); err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindRecoveryRequest, ID: string(rr.ID)})
	return nil
}

func (s *Store) GetRecoveryRequest(_ context.Context, id vault.ID) (*vault.RecoveryRequest, error) {
	var rr vault.RecoveryRequest
	if err := get(s.db, recoveryRequestsBucket, string(id), &rr); err != nil {
		return nil, err
	}
	return &rr, nil
}

func (s *Store) ListRecoveryRequests(_ context.Context) ([]*vault.RecoveryRequest, error) {
	var out []*vault.RecoveryRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recoveryRequestsBucket).ForEach(func(_, v []byte) error {
			var rec vault.RecoveryRequest
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// UpsertResponse updates one steward's response within a recovery request
// atomically, so two concurrently arriving responses never clobber each
// other's writes.
func (s *Store) UpsertResponse(_ context.Context, rrID vault.ID, stewardPubkey string, resp vault.RecoveryResponse) error {
	s.Lock()
	defer s.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recoveryRequestsBucket)
		raw := bucket.Get([]byte(rrID))
		if raw == nil {
			return vaultstore.ErrNotFound
		}
		var rr vault.RecoveryRequest
		if err := json.Unmarshal(raw, &rr); err != nil {
			return err
		}
		if rr.Responses == nil {
			rr.Responses = make(map[string]vault.RecoveryResponse)
		}
		rr.Responses[stewardPubkey] = resp
		encoded, err := json.Marshal(&rr)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(rrID), encoded)
	})
	if err != nil {
		return err
	}
	s.Notify(vaultstore.ChangeNotification{Kind: vaultstore.KindRecoveryRequest, ID: string(rrID)})
	return nil
}

func (s *Store) ClearAll(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{vaultsBucket, receivedSharesBucket, invitationsBucket, recoveryRequestsBucket} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func put(db *bolt.DB, bucket []byte, key string, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("vaultstore: encode record: %w", err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), encoded)
	})
}

func get(db *bolt.DB, bucket []byte, key string, out interface{}) error {
	return db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return vaultstore.ErrNotFound
		}
		return json.Unmarshal(raw, out)
	})
}

func del(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
