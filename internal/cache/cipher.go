package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100000
	keyLength     = 32
)

// keySalt is fixed so the same pubkey always opens the same cache.
var keySalt = []byte("nostrdm-cache-v1")

// deriveKey stretches pubkey into the record key. The pubkey is public, so
// this only keeps casual readers of the disk out.
func deriveKey(pubkey string) []byte {
	return pbkdf2.Key([]byte(pubkey), keySalt, keyIterations, keyLength, sha256.New)
}

// recordCipher seals individual records with AES-256-GCM.
type recordCipher struct {
	aead cipher.AEAD
}

func newRecordCipher(key []byte) (*recordCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &recordCipher{aead: aead}, nil
}

// seal encodes v as JSON and encrypts it under a fresh random IV.
func (c *recordCipher) seal(v any) (ciphertext, iv []byte, err error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode record: %w", err)
	}
	iv = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return c.aead.Seal(nil, iv, plain, nil), iv, nil
}

// open decrypts a record produced by seal into v.
func (c *recordCipher) open(ciphertext, iv []byte, v any) error {
	if len(iv) != c.aead.NonceSize() {
		return fmt.Errorf("invalid iv length %d", len(iv))
	}
	plain, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt record: %w", err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
