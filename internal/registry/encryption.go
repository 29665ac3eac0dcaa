// Copyright 2025 The Toolbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrInvalidCiphertext is returned when ciphertext cannot be decrypted
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidKey is returned when the encryption key is invalid
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Encryptor handles encryption and decryption of secret values at rest.
type Encryptor interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(ciphertext string) (string, error)
}

// AESEncryptor implements secret encryption using AES-256-GCM.
//
// Each encryption operation generates a unique nonce, which is prepended to
// the ciphertext. GCM authenticates the payload, so tampered ciphertext
// fails to decrypt rather than yielding garbage.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an AES-256-GCM encryptor. The masterKey must be
// exactly 32 bytes.
func NewAESEncryptor(masterKey []byte) (*AESEncryptor, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes for AES-256, got %d bytes", ErrInvalidKey, len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return &AESEncryptor{aead: aead}, nil
}

// EncryptString encrypts a string and returns base64-encoded ciphertext in
// the form [nonce][encrypted data + auth tag].
func (e *AESEncryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts base64-encoded ciphertext produced by EncryptString.
func (e *AESEncryptor) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 ciphertext: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(decoded) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short (expected at least %d bytes, got %d)",
			ErrInvalidCiphertext, nonceSize, len(decoded))
	}

	nonce, encrypted := decoded[:nonceSize], decoded[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// GenerateKey generates a cryptographically secure random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// MasterKeyFromEnv loads the AES-256 master key from the
// TOOLBRIDGE_MASTER_KEY environment variable, which holds the key
// base64-encoded.
func MasterKeyFromEnv() ([]byte, error) {
	raw := os.Getenv("TOOLBRIDGE_MASTER_KEY")
	if raw == "" {
		return nil, fmt.Errorf("%w: TOOLBRIDGE_MASTER_KEY is not set", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: TOOLBRIDGE_MASTER_KEY is not valid base64: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: decoded key must be 32 bytes, got %d", ErrInvalidKey, len(key))
	}
	return key, nil
}
