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

package gateway

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

func TestExtractCredential(t *testing.T) {
	t.Run("bearer header wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse?key=from-query", nil)
		r.Header.Set("Authorization", "Bearer from-bearer")
		r.Header.Set("X-API-Key", "from-header")
		assert.Equal(t, "from-bearer", extractCredential(r))
	})

	t.Run("api key header beats query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse?key=from-query", nil)
		r.Header.Set("X-API-Key", "from-header")
		assert.Equal(t, "from-header", extractCredential(r))
	})

	t.Run("query fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse?key=from-query", nil)
		assert.Equal(t, "from-query", extractCredential(r))
	})

	t.Run("non-bearer authorization ignored", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Equal(t, "", extractCredential(r))
	})
}

func TestKeyAuthenticator(t *testing.T) {
	store := newFakeStore()
	key, hash, err := registry.GenerateCallerKey()
	require.NoError(t, err)
	require.NoError(t, store.CreateCaller(context.Background(), &registry.Caller{
		ID: "c1", Name: "ci-bot", KeyHash: hash,
	}))

	auth := NewKeyAuthenticator(store)

	t.Run("valid key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("X-API-Key", key)
		caller, err := auth.Authenticate(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, "c1", caller.ID)
	})

	t.Run("missing credentials", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse", nil)
		_, err := auth.Authenticate(context.Background(), r)
		var authErr *tberrors.AuthorizationError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("unknown key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("X-API-Key", registry.KeyPrefix+"deadbeef")
		_, err := auth.Authenticate(context.Background(), r)
		var authErr *tberrors.AuthorizationError
		require.ErrorAs(t, err, &authErr)
	})
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("gateway-test-secret")
	store := newFakeStore()
	require.NoError(t, store.CreateCaller(context.Background(), &registry.Caller{
		ID: "c1", Name: "ci-bot", KeyHash: "unused",
	}))

	auth := NewJWTAuthenticator(secret, store)

	t.Run("valid token", func(t *testing.T) {
		token, err := IssueToken(secret, "c1")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		caller, err := auth.Authenticate(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, "c1", caller.ID)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := IssueToken([]byte("other-secret"), "c1")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = auth.Authenticate(context.Background(), r)
		var authErr *tberrors.AuthorizationError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("unknown caller subject", func(t *testing.T) {
		token, err := IssueToken(secret, "ghost")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = auth.Authenticate(context.Background(), r)
		var authErr *tberrors.AuthorizationError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse", nil)
		r.Header.Set("Authorization", "Bearer not.a.jwt")
		_, err := auth.Authenticate(context.Background(), r)
		var authErr *tberrors.AuthorizationError
		require.ErrorAs(t, err, &authErr)
	})
}
