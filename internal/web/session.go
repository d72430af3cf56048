package web

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mdillust/internal/storage"
)

// session is one logged-in browser. Each session gets its own temp
// directory and its own view of the markdown file being worked on.
type session struct {
	token    string
	user     storage.User
	tempDir  string
	lastSeen time.Time

	mu  sync.Mutex
	doc *candidateDoc
}

func (s *session) setDoc(d *candidateDoc) {
	s.mu.Lock()
	s.doc = d
	s.mu.Unlock()
}

func (s *session) currentDoc() *candidateDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	tempRoot string
}

func newSessionManager(ttl time.Duration, tempRoot string) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*session),
		ttl:      ttl,
		tempRoot: tempRoot,
	}
}

func (m *sessionManager) create(user storage.User) (*session, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(buf)

	dir := filepath.Join(m.tempRoot, token)
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	s := &session{token: token, user: user, tempDir: dir, lastSeen: time.Now()}

	m.mu.Lock()
	m.sessions[token] = s
	m.mu.Unlock()
	return s, nil
}

// get returns the live session for a token, refreshing its idle timer.
// Expired sessions are dropped on access.
func (m *sessionManager) get(token string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil
	}
	if time.Since(s.lastSeen) > m.ttl {
		delete(m.sessions, token)
		os.RemoveAll(s.tempDir)
		return nil
	}
	s.lastSeen = time.Now()
	return s
}

func (m *sessionManager) remove(token string) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	delete(m.sessions, token)
	m.mu.Unlock()

	if ok {
		os.RemoveAll(s.tempDir)
	}
}

// sweep drops sessions idle beyond the TTL together with their temp files.
func (m *sessionManager) sweep() int {
	m.mu.Lock()
	var expired []*session
	for token, s := range m.sessions {
		if time.Since(s.lastSeen) > m.ttl {
			delete(m.sessions, token)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		os.RemoveAll(s.tempDir)
	}
	return len(expired)
}
