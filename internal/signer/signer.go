package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/nostrdm/internal/crypto"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Signer holds a Nostr identity. NIP44 returns nil when the signer cannot
// encrypt or decrypt on the user's behalf.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error
	NIP44() crypto.Capability
}

// KeySigner signs with a private key held in memory.
type KeySigner struct {
	sk string
	pk string
}

// NewKeySigner accepts a hex private key or an nsec string.
func NewKeySigner(key string) (*KeySigner, error) {
	sk, err := ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk}, nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() *KeySigner {
	s, _ := NewKeySigner(nostr.GeneratePrivateKey())
	return s
}

func (s *KeySigner) GetPublicKey(context.Context) (string, error) {
	return s.pk, nil
}

func (s *KeySigner) SignEvent(_ context.Context, evt *nostr.Event) error {
	if evt.PubKey != "" && evt.PubKey != s.pk {
		return fmt.Errorf("event pubkey %s does not match signer", evt.PubKey)
	}
	return evt.Sign(s.sk)
}

func (s *KeySigner) NIP44() crypto.Capability {
	return crypto.NewLocalCapability(s.sk)
}

// ErrInvalidKey is returned for keys that are neither valid hex nor bech32.
var ErrInvalidKey = errors.New("invalid key")

// ParsePrivateKey normalizes a hex or nsec private key to hex.
func ParsePrivateKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty private key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "nsec") {
		return decodeBech32(key, "nsec")
	}
	key = strings.ToLower(key)
	if !nostr.IsValid32ByteHex(key) {
		return "", fmt.Errorf("%w: private key must be 64 hex characters or nsec", ErrInvalidKey)
	}
	return key, nil
}

// ParsePublicKey normalizes a hex or npub public key to hex.
func ParsePublicKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub") {
		return decodeBech32(key, "npub")
	}
	key = strings.ToLower(key)
	if !nostr.IsValidPublicKey(key) {
		return "", fmt.Errorf("%w: public key %q", ErrInvalidKey, key)
	}
	return key, nil
}

func decodeBech32(key, want string) (string, error) {
	prefix, val, err := nip19.Decode(key)
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrInvalidKey, want, err)
	}
	if prefix != want {
		return "", fmt.Errorf("%w: expected %s prefix, got %s", ErrInvalidKey, want, prefix)
	}
	hex, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected %s payload %T", ErrInvalidKey, want, val)
	}
	return hex, nil
}
