package executor

import (
	"bytes"
	"fmt"
	"net"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/paddock/pkg/errdefs"
)

var hostKeysBucket = []byte("hostkeys")

// HostKeyStore pins remote host public keys in bbolt, keyed by machine ID.
// The first connection to a machine stores its key; any later key change is
// rejected until an operator clears the pin (host edits do this).
type HostKeyStore struct {
	db *bolt.DB
}

// NewHostKeyStore opens (or creates) the pin database at path
func NewHostKeyStore(path string) (*HostKeyStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open host key store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hostKeysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create host key bucket: %w", err)
	}

	return &HostKeyStore{db: db}, nil
}

// Close releases the underlying database
func (s *HostKeyStore) Close() error {
	return s.db.Close()
}

// Get returns the pinned key in SSH wire format, nil when no pin exists
func (s *HostKeyStore) Get(machineID string) ([]byte, error) {
	var pinned []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(hostKeysBucket).Get([]byte(machineID)); v != nil {
			pinned = make([]byte, len(v))
			copy(pinned, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read host key pin: %w", err)
	}
	return pinned, nil
}

// Pin stores the key for a machine, overwriting any previous pin
func (s *HostKeyStore) Pin(machineID string, wireKey []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hostKeysBucket).Put([]byte(machineID), wireKey)
	})
	if err != nil {
		return fmt.Errorf("failed to pin host key: %w", err)
	}
	return nil
}

// Forget removes the pin for a machine. Missing pins are not an error.
func (s *HostKeyStore) Forget(machineID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hostKeysBucket).Delete([]byte(machineID))
	})
	if err != nil {
		return fmt.Errorf("failed to forget host key: %w", err)
	}
	return nil
}

// callback builds the ssh.HostKeyCallback enforcing the pin for one machine.
// Unknown hosts are pinned on first use.
func (s *HostKeyStore) callback(machineID string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		wire := key.Marshal()

		pinned, err := s.Get(machineID)
		if err != nil {
			return err
		}
		if pinned == nil {
			return s.Pin(machineID, wire)
		}
		if !bytes.Equal(pinned, wire) {
			return errdefs.Newf(errdefs.CodeHostKeyMismatch,
				"host key for %s changed since it was pinned", hostname).
				WithDetail("machine_id", machineID).
				WithDetail("fingerprint", ssh.FingerprintSHA256(key))
		}
		return nil
	}
}
