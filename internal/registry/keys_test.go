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
	"strings"
	"testing"
)

func TestGenerateCallerKey(t *testing.T) {
	key, hash, err := GenerateCallerKey()
	if err != nil {
		t.Fatalf("GenerateCallerKey() error = %v", err)
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("key %q missing %q prefix", key, KeyPrefix)
	}
	if strings.Contains(hash, key) {
		t.Error("hash contains the plaintext key")
	}
	if !VerifyCallerKey(hash, key) {
		t.Error("VerifyCallerKey() rejected its own key")
	}

	key2, _, err := GenerateCallerKey()
	if err != nil {
		t.Fatalf("GenerateCallerKey() error = %v", err)
	}
	if key == key2 {
		t.Error("two generated keys are identical")
	}
}

func TestVerifyCallerKeyRejections(t *testing.T) {
	key, hash, err := GenerateCallerKey()
	if err != nil {
		t.Fatalf("GenerateCallerKey() error = %v", err)
	}

	if VerifyCallerKey(hash, key+"x") {
		t.Error("VerifyCallerKey() accepted a modified key")
	}
	if VerifyCallerKey(hash, strings.TrimPrefix(key, KeyPrefix)) {
		t.Error("VerifyCallerKey() accepted a key without the prefix")
	}
	if VerifyCallerKey("not-a-bcrypt-hash", key) {
		t.Error("VerifyCallerKey() accepted a malformed hash")
	}
}
