// Copyright 2024 The mqtt-multi-proxy Authors
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

// Package crypto provides symmetric authenticated encryption for broker
// passwords stored at rest. Passwords are encrypted with AES-256-GCM using
// a key derived from the MQTT_PROXY_SECRET environment variable; the
// ciphertext is stored as "ENC:" followed by base64(nonce || ciphertext).
// Values without the prefix are treated as legacy plaintext and pass
// through decryption unchanged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"log"
	"os"
	"strings"
)

const (
	// PasswordPlaceholder is the sentinel accepted in update payloads
	// meaning "retain the existing stored password".
	PasswordPlaceholder = "********"

	// EnvSecretKey names the environment variable holding the
	// operator-supplied encryption secret.
	EnvSecretKey = "MQTT_PROXY_SECRET"

	encryptedPrefix = "ENC:"
	nonceSize       = 12

	// Used when MQTT_PROXY_SECRET is unset. Stored passwords are then
	// protected only against casual inspection, not a determined attacker.
	defaultSecret = "mqtt-multi-proxy-default-secret"

	keySalt = "mqtt-proxy-password-encryption"
)

// ErrDecrypt is returned when an "ENC:"-prefixed value cannot be decoded
// or fails authentication under the current key.
var ErrDecrypt = errors.New("password decryption failed")

// Cipher encrypts and decrypts password strings with a process-wide key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from the given secret. An empty secret falls back
// to the built-in default constant.
func New(secret string) *Cipher {
	if secret == "" {
		secret = defaultSecret
	}

	h := sha256.New()
	h.Write([]byte(secret))
	h.Write([]byte(keySalt))
	key := h.Sum(nil)

	block, err := aes.NewCipher(key)
	if err != nil {
		// sha256 always yields a valid AES-256 key length.
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}

	return &Cipher{aead: aead}
}

// NewFromEnv creates a Cipher keyed from MQTT_PROXY_SECRET, logging an
// operational warning when the variable is unset.
func NewFromEnv() *Cipher {
	secret := os.Getenv(EnvSecretKey)
	if secret == "" {
		log.Printf("[WARN] %s not set, encrypting stored passwords with the built-in default key", EnvSecretKey)
	}
	return New(secret)
}

// Encrypt encrypts a password for storage. Empty passwords and values that
// are already encrypted are returned unchanged.
func (c *Cipher) Encrypt(plaintext string) string {
	if plaintext == "" || strings.HasPrefix(plaintext, encryptedPrefix) {
		return plaintext
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt reverses Encrypt. Values without the "ENC:" prefix are returned
// as-is (legacy plaintext). Returns ErrDecrypt when the ciphertext cannot
// be decoded or authenticated.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(stored[len(encryptedPrefix):])
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < nonceSize {
		return "", ErrDecrypt
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// IsPlaceholder reports whether an incoming password value is the
// retain-existing sentinel.
func IsPlaceholder(password string) bool {
	return password == PasswordPlaceholder
}
