package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidKeyLength is returned when the provided key length is invalid.
var ErrInvalidKeyLength = errors.New("invalid key length")

const storeKeyInfo = "qrattend-credential-v1"

// DeriveStoreKey derives the 32-byte AES key that seals the local credential.
// The device fingerprint is mixed in as HKDF salt, so a sealed file only opens on
// the machine that wrote it.
func DeriveStoreKey(master []byte, deviceFP string) ([]byte, error) {
	if len(master) != 32 {
		return nil, ErrInvalidKeyLength
	}
	h := hkdf.New(sha256.New, master, []byte(deviceFP), []byte(storeKeyInfo))
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Seal encrypts plaintext with AES-256-GCM; the nonce is prepended.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

// Open reverses Seal.
func Open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, blob[:ns], blob[ns:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MustRandom returns n random bytes or panics.
func MustRandom(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return b
}

const alnum = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RandomToken returns an n-character uppercase alphanumeric string without the
// easily confused characters (0/O, 1/I) so it can be typed from a screen.
func RandomToken(n int) (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(alnum)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(alnum[idx.Int64()])
	}
	return sb.String(), nil
}

// ReadKeyFile reads a hex encoded 32-byte key as written by genmasterkey.
func ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key hex decode error: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key length must be 32 bytes (hex 64 chars): %w", ErrInvalidKeyLength)
	}
	return b, nil
}

// WriteKeyFile writes a fresh random key to path, refusing to overwrite.
func WriteKeyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	key := MustRandom(32)
	return os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600)
}
