package vault

import (
	"sync"
	"time"

	"github.com/ocmt/control-plane/internal/crypto"
)

// DefaultSessionTTL bounds how long an unlocked vault key stays resident
// after an explicit unlock.
const DefaultSessionTTL = 10 * time.Minute

const sessionTokenBytes = 32

type vaultSession struct {
	ownerID string
	key     []byte
	expires time.Time
}

// SessionManager keeps derived vault keys in process memory for the window
// between an unlock and subsequent vault operations. One session per owner;
// a fresh unlock rotates the token and discards the previous key. Keys are
// zeroized on clear, rotation, expiry and shutdown.
type SessionManager struct {
	mu      sync.Mutex
	ttl     time.Duration
	byToken map[string]*vaultSession
	byOwner map[string]string

	done chan struct{}
	once sync.Once
}

// NewSessionManager starts a manager with the given TTL (DefaultSessionTTL
// when zero) and a background reaper. Call Close on shutdown.
func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &SessionManager{
		ttl:     ttl,
		byToken: make(map[string]*vaultSession),
		byOwner: make(map[string]string),
		done:    make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Establish stores the derived key for the owner and returns a fresh session
// token. Any previous session for the same owner is destroyed first. The
// manager keeps its own copy of the key; the caller should zeroize theirs.
func (m *SessionManager) Establish(ownerID string, key []byte) (string, error) {
	token, err := crypto.RandomHex(sessionTokenBytes)
	if err != nil {
		return "", err
	}

	held := make([]byte, len(key))
	copy(held, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byOwner[ownerID]; ok {
		m.dropLocked(prev)
	}
	m.byToken[token] = &vaultSession{
		ownerID: ownerID,
		key:     held,
		expires: time.Now().Add(m.ttl),
	}
	m.byOwner[ownerID] = token
	return token, nil
}

// Key returns a copy of the derived key for a live session. The owner must
// match the session; a miss never explains itself.
func (m *SessionManager) Key(token, ownerID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byToken[token]
	if !ok || s.ownerID != ownerID || time.Now().After(s.expires) {
		return nil, false
	}
	out := make([]byte, len(s.key))
	copy(out, s.key)
	return out, true
}

// Touch extends a live session by the configured TTL.
func (m *SessionManager) Touch(token, ownerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byToken[token]
	if !ok || s.ownerID != ownerID || time.Now().After(s.expires) {
		return false
	}
	s.expires = time.Now().Add(m.ttl)
	return true
}

// Clear destroys a single session.
func (m *SessionManager) Clear(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(token)
}

// ClearOwner destroys the owner's session if one exists.
func (m *SessionManager) ClearOwner(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.byOwner[ownerID]; ok {
		m.dropLocked(token)
	}
}

// Active reports the number of live sessions.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// Close stops the reaper and zeroizes every resident key.
func (m *SessionManager) Close() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for token := range m.byToken {
		m.dropLocked(token)
	}
}

func (m *SessionManager) dropLocked(token string) {
	s, ok := m.byToken[token]
	if !ok {
		return
	}
	crypto.Zero(s.key)
	delete(m.byToken, token)
	if m.byOwner[s.ownerID] == token {
		delete(m.byOwner, s.ownerID)
	}
}

func (m *SessionManager) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for token, s := range m.byToken {
				if now.After(s.expires) {
					m.dropLocked(token)
				}
			}
			m.mu.Unlock()
		}
	}
}
