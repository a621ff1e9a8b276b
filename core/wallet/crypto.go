package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/amosehiguese/soltrader/core/apperr"
)

const pbkdf2Iterations = 100000

// keyBox encrypts private keys at rest with AES-GCM under a key derived from
// the operator secret plus a fixed salt. Stored form is nonce:authTag:ciphertext,
// hex encoded. Decryption fails loudly on tampered or malformed input.
type keyBox struct {
	aead cipher.AEAD
}

func newKeyBox(secret, salt string) (*keyBox, error) {
	if secret == "" {
		return nil, apperr.NewEncryption("empty encryption secret")
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.NewEncryption("cipher init: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.NewEncryption("gcm init: %v", err)
	}
	return &keyBox{aead: aead}, nil
}

func (b *keyBox) Encrypt(plain []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperr.NewEncryption("nonce: %v", err)
	}

	sealed := b.aead.Seal(nil, nonce, plain, nil)
	tagAt := len(sealed) - b.aead.Overhead()
	ciphertext, tag := sealed[:tagAt], sealed[tagAt:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

func (b *keyBox) Decrypt(stored string) ([]byte, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return nil, apperr.NewEncryption("malformed key material: want nonce:authTag:ciphertext")
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != b.aead.NonceSize() {
		return nil, apperr.NewEncryption("malformed nonce")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != b.aead.Overhead() {
		return nil, apperr.NewEncryption("malformed auth tag")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, apperr.NewEncryption("malformed ciphertext")
	}

	plain, err := b.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, apperr.NewEncryption("key material failed authentication")
	}
	return plain, nil
}
