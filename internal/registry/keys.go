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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks toolbridge API keys so leaked keys are recognizable in
// logs and secret scanners.
const KeyPrefix = "tbk_"

// GenerateCallerKey creates a new API key and its bcrypt hash. The plaintext
// key is returned exactly once; only the hash is persisted.
func GenerateCallerKey() (key, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate key material: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash key: %w", err)
	}
	return key, string(hashed), nil
}

// VerifyCallerKey reports whether the presented key matches the stored hash.
func VerifyCallerKey(hash, key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
