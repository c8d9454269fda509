package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// SignerTimeout bounds how long a signer-mediated operation may wait for the user.
const SignerTimeout = 30 * time.Second

var (
	// ErrDecryption is matched by every DecryptionError.
	ErrDecryption = errors.New("decryption failed")
	// ErrUserDenied is returned when the key holder rejects a prompt.
	ErrUserDenied = errors.New("signer denied the request")
	// ErrSignerTimeout is returned when the key holder does not answer in time.
	ErrSignerTimeout = errors.New("signer did not respond in time")
	// ErrUnsupportedCapability is returned when the signer cannot encrypt or decrypt.
	ErrUnsupportedCapability = errors.New("signer does not support nip44 encryption")
)

// DecryptionError reports a ciphertext that failed authentication or could not be parsed.
type DecryptionError struct {
	Peer string
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt from %s: %v", short(e.Peer), e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Encrypt derives the NIP-44 conversation key between sk and peerPub and seals plaintext.
// Each call uses a fresh random nonce.
func Encrypt(sk, peerPub, plaintext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPub, sk)
	if err != nil {
		return "", fmt.Errorf("conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return ciphertext, nil
}

// Decrypt opens a NIP-44 payload sent between sk and peerPub.
func Decrypt(sk, peerPub, ciphertext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPub, sk)
	if err != nil {
		return "", &DecryptionError{Peer: peerPub, Err: err}
	}
	plaintext, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", &DecryptionError{Peer: peerPub, Err: err}
	}
	return plaintext, nil
}

// Capability performs NIP-44 operations on behalf of a key holder that does not
// expose its private key (a remote signer, a hardware device).
type Capability interface {
	Encrypt(ctx context.Context, peerPub, plaintext string) (string, error)
	Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error)
}

// EncryptWithSigner routes Encrypt through c, bounding the wait by SignerTimeout.
func EncryptWithSigner(ctx context.Context, c Capability, peerPub, plaintext string) (string, error) {
	if c == nil {
		return "", ErrUnsupportedCapability
	}
	ctx, cancel := context.WithTimeout(ctx, SignerTimeout)
	defer cancel()

	out, err := c.Encrypt(ctx, peerPub, plaintext)
	if err != nil {
		return "", classify(ctx, err)
	}
	return out, nil
}

// DecryptWithSigner routes Decrypt through c, bounding the wait by SignerTimeout.
func DecryptWithSigner(ctx context.Context, c Capability, peerPub, ciphertext string) (string, error) {
	if c == nil {
		return "", ErrUnsupportedCapability
	}
	ctx, cancel := context.WithTimeout(ctx, SignerTimeout)
	defer cancel()

	out, err := c.Decrypt(ctx, peerPub, ciphertext)
	if err != nil {
		err = classify(ctx, err)
		if errors.Is(err, ErrUserDenied) || errors.Is(err, ErrSignerTimeout) || errors.Is(err, ErrDecryption) {
			return "", err
		}
		return "", &DecryptionError{Peer: peerPub, Err: err}
	}
	return out, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrUserDenied), errors.Is(err, ErrSignerTimeout), errors.Is(err, ErrUnsupportedCapability):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrSignerTimeout, err)
	}
	return err
}

// LocalCapability adapts a raw private key to Capability.
type LocalCapability struct {
	sk string
}

// NewLocalCapability returns a Capability backed by the hex private key sk.
func NewLocalCapability(sk string) *LocalCapability {
	return &LocalCapability{sk: sk}
}

func (l *LocalCapability) Encrypt(_ context.Context, peerPub, plaintext string) (string, error) {
	return Encrypt(l.sk, peerPub, plaintext)
}

func (l *LocalCapability) Decrypt(_ context.Context, peerPub, ciphertext string) (string, error) {
	return Decrypt(l.sk, peerPub, ciphertext)
}

func short(pk string) string {
	if len(pk) > 8 {
		return pk[:8]
	}
	return pk
}
