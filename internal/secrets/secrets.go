// Package secrets provides the secret vault boundary: named string
// secrets with read/write/delete, backed by a bbolt database with
// optional encryption at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// dirPerm is the permission mode for the secrets directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the secrets database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second

	// saltLen is the length of the random scrypt salt stored alongside
	// the sealed values.
	saltLen = 16

	// scrypt key derivation parameters: N=2^15, r=8, p=1, 32-byte key.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var (
	secretsBucket = []byte("secrets")
	metaBucket    = []byte("meta")
	saltKey       = []byte("salt")
)

// Store is the secret vault capability the auth layer depends on.
// Get returns "" with a nil error when the key is absent.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// BoltStore persists secrets in a bbolt database. When opened with a
// non-empty passphrase, values are sealed with AES-GCM under a key
// derived via scrypt from the passphrase and a per-database salt.
type BoltStore struct {
	db  *bolt.DB
	gcm cipher.AEAD // nil when storing plaintext
}

// Open opens the secrets database at path, creating it if needed.
// An empty passphrase stores values in plaintext.
func Open(path, passphrase string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening secrets db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(secretsBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}

		return meta.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing secrets db: %w", err)
	}

	s := &BoltStore{db: db}

	if passphrase != "" {
		gcm, err := deriveAEAD(passphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}

		s.gcm = gcm
	}

	return s, nil
}

// deriveAEAD derives a 32-byte key from the passphrase and salt using
// scrypt and wraps it in an AES-GCM cipher. The passphrase is
// normalized to NFKC before hashing so visually identical input always
// derives the same key.
func deriveAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving secrets key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	// Overwrite the key material now that the cipher holds its own copy.
	for i := range key {
		key[i] = 0
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Encrypted reports whether values are sealed at rest.
func (s *BoltStore) Encrypted() bool {
	return s.gcm != nil
}

// Get returns the secret for key, or "" if it is not stored.
func (s *BoltStore) Get(key string) (string, error) {
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading secret %q: %w", key, err)
	}

	if raw == nil {
		return "", nil
	}

	if s.gcm == nil {
		return string(raw), nil
	}

	value, err := s.open(raw)
	if err != nil {
		return "", fmt.Errorf("decrypting secret %q: %w", key, err)
	}

	return value, nil
}

// Set stores the secret for key, overwriting any previous value.
func (s *BoltStore) Set(key, value string) error {
	data := []byte(value)

	if s.gcm != nil {
		sealed, err := s.seal(data)
		if err != nil {
			return fmt.Errorf("encrypting secret %q: %w", key, err)
		}

		data = sealed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("writing secret %q: %w", key, err)
	}

	return nil
}

// Delete removes the secret for key. Deleting an absent key is not an
// error.
func (s *BoltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}

	return nil
}

// seal encrypts plaintext as [nonce][ciphertext+tag] with a random nonce.
func (s *BoltStore) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts data produced by seal.
func (s *BoltStore) open(data []byte) (string, error) {
	if len(data) < s.gcm.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}

	nonce, ciphertext := data[:s.gcm.NonceSize()], data[s.gcm.NonceSize():]

	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}

	return string(plaintext), nil
}
