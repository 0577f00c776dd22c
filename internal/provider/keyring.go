package provider

import (
	"strings"
	"sync"
)

// Keyring remembers which credential opened each session so status queries can reuse it.
// Credentials live only in memory; recovered sessions fall back to the default credential.
type Keyring struct {
	mu       sync.RWMutex
	bindings map[string]string
	fallback string
}

// NewKeyring constructs a keyring with an optional default credential.
func NewKeyring(fallback string) *Keyring {
	return &Keyring{bindings: make(map[string]string), fallback: strings.TrimSpace(fallback)}
}

// Bind associates a session with the credential that created it.
func (k *Keyring) Bind(sessionID, credential string) {
	if sessionID == "" || credential == "" {
		return
	}
	k.mu.Lock()
	k.bindings[sessionID] = credential
	k.mu.Unlock()
}

// Resolve returns the session's credential, or the default credential when none is bound.
func (k *Keyring) Resolve(sessionID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if credential, ok := k.bindings[sessionID]; ok {
		return credential, true
	}
	if k.fallback != "" {
		return k.fallback, true
	}
	return "", false
}

// Forget drops the binding for a session.
func (k *Keyring) Forget(sessionID string) {
	k.mu.Lock()
	delete(k.bindings, sessionID)
	k.mu.Unlock()
}
