package crypto

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSealedFileTampered(t *testing.T) {
	key := MustRandom(32)
	path := filepath.Join(t.TempDir(), "nested", "cred.enc")
	if err := WriteSealedFile(path, key, []byte("secret")); err != nil {
		t.Fatalf("WriteSealedFile() failed: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Fatalf("permissions = %o, want 600", perm)
		}
	}

	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSealedFile(path, key); err == nil {
		t.Fatal("tampered file opened without error")
	}
}

func TestReadSealedFileMissing(t *testing.T) {
	_, err := ReadSealedFile(filepath.Join(t.TempDir(), "absent.enc"), MustRandom(32))
	if !os.IsNotExist(err) {
		t.Fatalf("ReadSealedFile() = %v, want not-exist", err)
	}
}
