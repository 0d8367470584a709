// Package crypto encrypts OAuth tokens at rest with AES-256-GCM.
//
// A Keyring holds one primary key used for every new ciphertext plus any number of
// previous keys that remain valid for decryption, so keys can be rotated without
// rewriting all rows at once. Each ciphertext is stored alongside the id of the key
// that produced it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrUnknownKey = errors.New("crypto: unknown encryption key id")
	ErrTampered   = errors.New("crypto: authentication or integrity check failed")
)

// Keyring seals and opens token strings. The zero value is not usable; see NewKeyring.
type Keyring struct {
	primary string
	aeads   map[string]cipher.AEAD
}

// NewKeyring builds a keyring from base64-encoded 32-byte keys. primaryID must be
// present in keys. Generate a key with:
//
//	openssl rand -base64 32
func NewKeyring(primaryID string, keys map[string]string) (*Keyring, error) {
	if primaryID == "" {
		return nil, fmt.Errorf("primary key id is empty")
	}
	if _, ok := keys[primaryID]; !ok {
		return nil, fmt.Errorf("primary key %q not provided", primaryID)
	}
	kr := &Keyring{primary: primaryID, aeads: make(map[string]cipher.AEAD, len(keys))}
	for id, encoded := range keys {
		aead, err := newAEAD(encoded)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		kr.aeads[id] = aead
	}
	return kr, nil
}

func newAEAD(encoded string) (cipher.AEAD, error) {
	if encoded == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid encryption key: must be %d bytes, got %d bytes", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// PrimaryKeyID returns the id new ciphertexts are sealed under.
func (k *Keyring) PrimaryKeyID() string { return k.primary }

// KeyIDs returns all known key ids, sorted.
func (k *Keyring) KeyIDs() []string {
	ids := make([]string, 0, len(k.aeads))
	for id := range k.aeads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Seal encrypts plaintext under the primary key and returns base64(nonce || ciphertext || tag).
// Empty input seals to empty output so absent tokens stay absent.
func (k *Keyring) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead := k.aeads[k.primary]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the key named keyID.
func (k *Keyring) Open(ciphertext, keyID string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	aead, ok := k.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short: got %d bytes", len(raw))
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}
