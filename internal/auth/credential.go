package auth

import (
	"errors"
	"sync"
)

// ErrNoCredential is returned by stores holding nothing.
var ErrNoCredential = errors.New("no stored credential")

// Slot is the process-wide credential holder. Requests read it at call time;
// login, logout, expiry and 401 handling write it through Set/Clear only.
type Slot struct {
	writeMu sync.Mutex // one writer at a time, covering store + memory
	mu      sync.RWMutex
	token   string
	store   Store

	lmu       sync.Mutex
	nextID    int
	listeners map[int]func(authenticated bool)
}

func NewSlot(store Store) *Slot {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Slot{store: store, listeners: make(map[int]func(bool))}
}

// Load reads the persisted credential into memory and reports whether one exists.
func (s *Slot) Load() (bool, error) {
	tok, err := s.store.Load()
	if errors.Is(err, ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.writeMu.Lock()
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.notify(tok != "")
	return tok != "", nil
}

// Token returns the current credential, or "" when unauthenticated.
func (s *Slot) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Slot) Authenticated() bool { return s.Token() != "" }

// Set persists and installs a new credential.
func (s *Slot) Set(token string) error {
	if token == "" {
		return errors.New("empty credential")
	}
	s.writeMu.Lock()
	if err := s.store.Save(token); err != nil {
		s.writeMu.Unlock()
		return err
	}
	s.mu.Lock()
	was := s.token != ""
	s.token = token
	s.mu.Unlock()
	s.writeMu.Unlock()
	if !was {
		s.notify(true)
	}
	return nil
}

// Clear drops the credential from memory and storage. Memory is cleared first so
// no new request picks the old value up while the store is being wiped.
func (s *Slot) Clear() error {
	s.writeMu.Lock()
	s.mu.Lock()
	was := s.token != ""
	s.token = ""
	s.mu.Unlock()
	err := s.store.Clear()
	s.writeMu.Unlock()
	if was {
		s.notify(false)
	}
	return err
}

// OnChange registers f for authenticated/unauthenticated transitions.
func (s *Slot) OnChange(f func(authenticated bool)) (cancel func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = f
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Slot) notify(authenticated bool) {
	s.lmu.Lock()
	fs := make([]func(bool), 0, len(s.listeners))
	for _, f := range s.listeners {
		fs = append(fs, f)
	}
	s.lmu.Unlock()
	for _, f := range fs {
		f(authenticated)
	}
}
