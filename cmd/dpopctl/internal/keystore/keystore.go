package keystore

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/terraconstructs/connect-dpop/pkg/sdk/dpop"
)

const keyFile = "dpop-key.json"

// ErrNoKey is returned by LoadKey when no key has been generated yet.
var ErrNoKey = errors.New("no DPoP key found; run `dpopctl key generate`")

// FileStore persists the DPoP private key as a JWK file readable only by the owner.
type FileStore struct {
	path string
}

// NewFileStore returns a store for path, or ~/.dpopctl/dpop-key.json when path is empty.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, ".dpopctl", keyFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the key file location.
func (s *FileStore) Path() string {
	return s.path
}

// SaveKey writes the key, replacing any existing one.
func (s *FileStore) SaveKey(key crypto.Signer) error {
	data, err := dpop.MarshalJWK(key)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// LoadKey reads the key from the file.
func (s *FileStore) LoadKey() (crypto.Signer, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := dpop.ParseJWK(data)
	if err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", s.path, err)
	}
	return key, nil
}

// DeleteKey removes the key file.
func (s *FileStore) DeleteKey() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(s.path)
}
