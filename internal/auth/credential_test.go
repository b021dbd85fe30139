package auth

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestSlotTransitions(t *testing.T) {
	slot := NewSlot(nil)
	var mu sync.Mutex
	var seen []bool
	cancel := slot.OnChange(func(a bool) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	})
	defer cancel()

	if err := slot.Set("first"); err != nil {
		t.Fatal(err)
	}
	if err := slot.Set("second"); err != nil { // no transition
		t.Fatal(err)
	}
	if slot.Token() != "second" {
		t.Fatalf("Token() = %q", slot.Token())
	}
	if err := slot.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := slot.Clear(); err != nil { // already cleared
		t.Fatal(err)
	}
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("transitions = %v, want [true false]", seen)
	}
	if err := slot.Set(""); err == nil {
		t.Fatal("Set(\"\") accepted an empty credential")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "store.key")
	credPath := filepath.Join(dir, "credential.enc")

	fs, err := NewFileStore(credPath, keyFile, "device-a")
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	if _, err := fs.Load(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Load() on empty store = %v", err)
	}
	slot := NewSlot(fs)
	if err := slot.Set("9944b09199c62bcf9418ad846dd0e4bbdfc6ee4b"); err != nil {
		t.Fatal(err)
	}

	// A fresh process on the same device reads it back.
	fs2, err := NewFileStore(credPath, keyFile, "device-a")
	if err != nil {
		t.Fatal(err)
	}
	slot2 := NewSlot(fs2)
	ok, err := slot2.Load()
	if err != nil || !ok || slot2.Token() != slot.Token() {
		t.Fatalf("Load() = %v, %v, token %q", ok, err, slot2.Token())
	}

	// Another device cannot open it.
	other, err := NewFileStore(credPath, keyFile, "device-b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Load(); err == nil || errors.Is(err, ErrNoCredential) {
		t.Fatalf("Load() on another device = %v, want decrypt error", err)
	}

	if err := slot2.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(credPath); !os.IsNotExist(err) {
		t.Fatalf("credential file survived Clear(): %v", err)
	}
}
