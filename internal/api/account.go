package api

import (
	"errors"
	"sync"

	"github.com/matheus3301/nostrdm/internal/signer"
)

// ErrSignedOut is returned by RPCs that need an identity when none is loaded.
var ErrSignedOut = errors.New("no identity signed in")

// Account holds the signer of the signed-in identity.
type Account struct {
	mu     sync.RWMutex
	signer signer.Signer
	pubkey string
	kind   string
}

// Set installs s as the active identity. kind describes the signer ("key", "bunker").
func (a *Account) Set(s signer.Signer, pubkey, kind string) {
	a.mu.Lock()
	a.signer, a.pubkey, a.kind = s, pubkey, kind
	a.mu.Unlock()
}

// Signer returns the active signer or ErrSignedOut.
func (a *Account) Signer() (signer.Signer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.signer == nil {
		return nil, ErrSignedOut
	}
	return a.signer, nil
}

// Pubkey returns the hex public key of the active identity, or "".
func (a *Account) Pubkey() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pubkey
}

func (a *Account) Kind() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kind
}

// Clear forgets the active identity.
func (a *Account) Clear() {
	a.mu.Lock()
	a.signer, a.pubkey, a.kind = nil, "", ""
	a.mu.Unlock()
}
