package crypto

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func keypair(t *testing.T) (string, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatal(err)
	}
	return sk, pk
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	skA, pkA := keypair(t)
	skB, pkB := keypair(t)

	ct, err := Encrypt(skA, pkB, "hello there")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := Decrypt(skB, pkA, ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != "hello there" {
		t.Errorf("plaintext = %q, want %q", pt, "hello there")
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	skA, _ := keypair(t)
	_, pkB := keypair(t)

	c1, err := Encrypt(skA, pkB, "same")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Encrypt(skA, pkB, "same")
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	skA, pkA := keypair(t)
	_, pkB := keypair(t)
	skC, _ := keypair(t)

	ct, err := Encrypt(skA, pkB, "secret")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Decrypt(skC, pkA, ct)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("Decrypt() error = %v, want ErrDecryption", err)
	}
	var de *DecryptionError
	if !errors.As(err, &de) {
		t.Errorf("expected *DecryptionError, got %T", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	skA, pkA := keypair(t)
	skB, pkB := keypair(t)

	ct, err := Encrypt(skA, pkB, "do not touch")
	if err != nil {
		t.Fatal(err)
	}
	b := []byte(ct)
	if b[20] == 'A' {
		b[20] = 'B'
	} else {
		b[20] = 'A'
	}
	if _, err := Decrypt(skB, pkA, string(b)); !errors.Is(err, ErrDecryption) {
		t.Errorf("Decrypt(tampered) error = %v, want ErrDecryption", err)
	}
}

type stubCapability struct {
	err error
}

func (s stubCapability) Encrypt(context.Context, string, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "ciphertext", nil
}

func (s stubCapability) Decrypt(context.Context, string, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "plaintext", nil
}

func TestSignerVariants(t *testing.T) {
	tests := []struct {
		name    string
		cap     Capability
		wantErr error
	}{
		{"nil capability", nil, ErrUnsupportedCapability},
		{"user denied", stubCapability{err: fmt.Errorf("bunker: %w", ErrUserDenied)}, ErrUserDenied},
		{"deadline", stubCapability{err: context.DeadlineExceeded}, ErrSignerTimeout},
		{"ok", stubCapability{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncryptWithSigner(context.Background(), tt.cap, "peer", "x")
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Errorf("EncryptWithSigner() error = %v, want %v", err, tt.wantErr)
			}
			_, err = DecryptWithSigner(context.Background(), tt.cap, "peer", "x")
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Errorf("DecryptWithSigner() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecryptWithSignerWrapsFailures(t *testing.T) {
	_, err := DecryptWithSigner(context.Background(), stubCapability{err: errors.New("bad mac")}, "peer", "x")
	if !errors.Is(err, ErrDecryption) {
		t.Errorf("error = %v, want ErrDecryption", err)
	}
}

func TestLocalCapability(t *testing.T) {
	skA, pkA := keypair(t)
	skB, pkB := keypair(t)

	a := NewLocalCapability(skA)
	b := NewLocalCapability(skB)

	ct, err := EncryptWithSigner(context.Background(), a, pkB, "via capability")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptWithSigner(context.Background(), b, pkA, ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "via capability" {
		t.Errorf("plaintext = %q", pt)
	}
}
