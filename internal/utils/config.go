package utils

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the directory holding local client state (credential, ledger, key).
// QRATTEND_HOME wins; otherwise ~/.qrattend, or ./.qrattend when there is no home.
func GetDataDir() string {
	if d := os.Getenv("QRATTEND_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qrattend"
	}
	return filepath.Join(home, ".qrattend")
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0700)
}
