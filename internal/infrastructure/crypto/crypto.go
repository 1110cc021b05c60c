package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey         = errors.New("encryption key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrNoMatchingKey      = errors.New("ciphertext does not open with any configured key")
)

// Encryptor seals provider credentials at rest with XChaCha20-Poly1305.
// Ciphertexts are base64(nonce || sealed). New tokens are sealed with the
// current key; previous keys only open, so keys can be rotated while old
// rows are re-sealed on their next token refresh.
type Encryptor struct {
	keys [][]byte
}

func NewEncryptor(key string, previous ...string) (*Encryptor, error) {
	e := &Encryptor{}
	for i, k := range append([]string{key}, previous...) {
		if len(k) != chacha20poly1305.KeySize {
			if i == 0 {
				return nil, ErrInvalidKey
			}
			return nil, fmt.Errorf("previous key %d: %w", i, ErrInvalidKey)
		}
		e.keys = append(e.keys, []byte(k))
	}
	return e, nil
}

// Encrypt returns "" for an empty plaintext so unset tokens stay unset.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(e.keys[0])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	for _, key := range e.keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return "", fmt.Errorf("failed to create cipher: %w", err)
		}
		if plaintext, err := aead.Open(nil, nonce, sealed, nil); err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrNoMatchingKey
}
