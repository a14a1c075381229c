package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ggufMagic opens every GGUF file.
var ggufMagic = []byte("GGUF")

// ErrNotGGUF is returned when Load is given something that is not a GGUF
// model file.
var ErrNotGGUF = errors.New("not a GGUF model file")

// Session is the inference engine's view of which model is resident. One
// Session exists per application session and is shared by reference.
//
// Load and Unload take the write lock; every query takes the read lock, so
// any number of readers proceed concurrently with at most one writer.
type Session struct {
	mu       sync.RWMutex
	path     string
	loadedAt time.Time
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{}
}

// SessionState is a point-in-time copy of the session.
type SessionState struct {
	Loaded   bool       `json:"loaded"`
	Path     string     `json:"path,omitempty"`
	LoadedAt *time.Time `json:"loadedAt,omitempty"`
}

// Load marks the model at path as resident. The path must name a readable
// .gguf file that starts with the GGUF magic.
func (s *Session) Load(path string) error {
	if err := checkGGUF(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.loadedAt = time.Now()
	return nil
}

// Unload clears the resident model. It reports whether one was loaded.
func (s *Session) Unload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.path != ""
	s.path = ""
	s.loadedAt = time.Time{}
	return was
}

// UnloadIf clears the session only while it holds path.
func (s *Session) UnloadIf(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" || s.path != path {
		return false
	}
	s.path = ""
	s.loadedAt = time.Time{}
	return true
}

// IsLoaded reports whether a model is resident.
func (s *Session) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path != ""
}

// Path returns the resident model path, or "".
func (s *Session) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// State returns a copy of the session.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SessionState{Loaded: s.path != "", Path: s.path}
	if st.Loaded {
		t := s.loadedAt
		st.LoadedAt = &t
	}
	return st
}

func checkGGUF(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".gguf") {
		return fmt.Errorf("%w: %s must have a .gguf extension", ErrNotGGUF, filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	magic := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, ggufMagic) {
		return fmt.Errorf("%w: %s has no GGUF header", ErrNotGGUF, filepath.Base(path))
	}
	return nil
}
