package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrylevesque/qrattend/internal/crypto"
)

// Store persists the credential between runs.
type Store interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

type storedCredential struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// FileStore keeps the credential sealed on disk under a device-bound key.
type FileStore struct {
	path string
	key  []byte
}

// NewFileStore derives the sealing key from the store key file and the device fingerprint.
// A missing key file is created on first use.
func NewFileStore(path, keyFile, deviceFP string) (*FileStore, error) {
	master, err := crypto.ReadKeyFile(keyFile)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
			return nil, err
		}
		if err := crypto.WriteKeyFile(keyFile); err != nil {
			return nil, fmt.Errorf("create store key: %w", err)
		}
		master, err = crypto.ReadKeyFile(keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("read store key: %w", err)
	}
	key, err := crypto.DeriveStoreKey(master, deviceFP)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, key: key}, nil
}

func (f *FileStore) Load() (string, error) {
	plain, err := crypto.ReadSealedFile(f.path, f.key)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	var sc storedCredential
	if err := json.Unmarshal(plain, &sc); err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	if sc.Token == "" {
		return "", ErrNoCredential
	}
	return sc.Token, nil
}

func (f *FileStore) Save(token string) error {
	data, err := json.Marshal(storedCredential{Token: token, SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return crypto.WriteSealedFile(f.path, f.key, data)
}

func (f *FileStore) Clear() error {
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryStore keeps the credential in memory only.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return "", ErrNoCredential
	}
	return m.token, nil
}

func (m *MemoryStore) Save(token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}
