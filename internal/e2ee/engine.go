// Package e2ee provides end-to-end confidentiality for chat text. The
// room identifier acts as the shared secret; every member of a room
// derives the same AES-256-GCM key from it. The engine fails open: when
// the key is missing or a ciphertext does not authenticate, text passes
// through unchanged and Secure reports the degradation. Chat is not
// safety-critical here; callers wanting fail-closed semantics must check
// Secure before trusting a decrypted message.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

const (
	salt       = "SIMUL_SALT_v1"
	iterations = 100000
	keyLen     = 32
	nonceLen   = 12
)

// Engine encrypts and decrypts chat text for one room.
type Engine struct {
	aead   cipher.AEAD
	logger *zap.Logger
}

// New creates an engine with no key; Encrypt and Decrypt are identity
// functions until Derive succeeds.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Derive computes the room key from the room identifier.
func (e *Engine) Derive(roomID string) error {
	key := pbkdf2.Key([]byte(roomID), []byte(salt), iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	e.aead = aead
	return nil
}

// Secure reports whether a room key has been derived.
func (e *Engine) Secure() bool {
	return e.aead != nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce‖ciphertext). Without a key, or if the platform's entropy
// source fails, the plaintext is returned unchanged.
func (e *Engine) Encrypt(plaintext string) string {
	if e.aead == nil {
		return plaintext
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		e.logger.Warn("nonce generation failed, sending plaintext", zap.Error(err))
		return plaintext
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt reverses Encrypt. Inputs that are not valid base64, are shorter
// than the nonce, or fail authentication come back untouched.
func (e *Engine) Decrypt(text string) string {
	if e.aead == nil {
		return text
	}
	combined, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return text
	}
	if len(combined) < nonceLen {
		return text
	}
	nonce, data := combined[:nonceLen], combined[nonceLen:]
	plain, err := e.aead.Open(nil, nonce, data, nil)
	if err != nil {
		e.logger.Warn("decrypt failed, passing text through", zap.Error(err))
		return text
	}
	return string(plain)
}
