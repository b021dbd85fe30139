package crypto

import (
	"os"
	"path/filepath"
)

// WriteSealedFile seals data and writes it atomically (temp file + rename) with 0600 permissions.
func WriteSealedFile(path string, key, data []byte) error {
	blob, err := Seal(key, data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sealed-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSealedFile reads and opens a file written by WriteSealedFile.
func ReadSealedFile(path string, key []byte) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(key, blob)
}
