// Package protect supplies the payload protection API used by the encrypted
// cache decorator: a Protector transforms payload bytes on the way into a
// persistent store and back. The AES-GCM implementation stands in for
// platform per-user protection APIs; Identity is the fallback for platforms
// without one.
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/cockroachdb/errors"
)

// Protector transforms payload bytes before storage and after retrieval.
// Protect and Unprotect must be inverses.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(ciphertext []byte) ([]byte, error)
}

// Identity returns a Protector that passes payloads through unchanged, for
// platforms without a usable protection API.
func Identity() Protector {
	return identity{}
}

type identity struct{}

func (identity) Protect(b []byte) ([]byte, error)   { return b, nil }
func (identity) Unprotect(b []byte) ([]byte, error) { return b, nil }

// DeriveKey derives a 32-byte AES key from a scope label and secret
// material. The same (scope, secret) pair always yields the same key.
func DeriveKey(scope, secret string) []byte {
	sum := sha256.Sum256([]byte(scope + "\x00" + secret))
	return sum[:]
}

type aesgcm struct {
	aead cipher.AEAD
}

// AESGCM returns a Protector sealing payloads with AES-GCM under key. The
// key must be 16, 24 or 32 bytes. Each payload is sealed with a fresh random
// nonce, stored as the ciphertext prefix.
func AESGCM(key []byte) (Protector, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "protect: creating AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "protect: creating GCM")
	}
	return &aesgcm{aead: aead}, nil
}

func (p *aesgcm) Protect(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "protect: generating nonce")
	}
	return p.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *aesgcm) Unprotect(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < p.aead.NonceSize() {
		return nil, errors.New("protect: ciphertext too short")
	}
	nonce, sealed := ciphertext[:p.aead.NonceSize()], ciphertext[p.aead.NonceSize():]
	plaintext, err := p.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "protect: opening payload")
	}
	return plaintext, nil
}
