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
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// Authenticator resolves an HTTP request to a caller.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*registry.Caller, error)
}

// extractCredential pulls the presented credential from, in order, the
// Authorization bearer header, the X-API-Key header, and the key query
// parameter. The query form exists for SSE clients that cannot set headers.
func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if cred, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(cred)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// KeyAuthenticator authenticates callers by bcrypt-hashed API key.
type KeyAuthenticator struct {
	store registry.Store
}

// NewKeyAuthenticator creates a KeyAuthenticator backed by the store.
func NewKeyAuthenticator(store registry.Store) *KeyAuthenticator {
	return &KeyAuthenticator{store: store}
}

// Authenticate implements Authenticator.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*registry.Caller, error) {
	key := extractCredential(r)
	if key == "" {
		return nil, &tberrors.AuthorizationError{Reason: "missing credentials"}
	}

	// Caller counts are small; a linear scan with bcrypt comparison is
	// acceptable and keeps keys free of embedded identifiers.
	callers, err := a.store.ListCallers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing callers: %w", err)
	}
	for _, caller := range callers {
		if registry.VerifyCallerKey(caller.KeyHash, key) {
			return caller, nil
		}
	}
	return nil, &tberrors.AuthorizationError{Reason: "invalid API key"}
}

// JWTAuthenticator authenticates callers by HS256 bearer token. The token's
// subject claim is the caller id.
type JWTAuthenticator struct {
	secret []byte
	store  registry.Store
}

// NewJWTAuthenticator creates a JWTAuthenticator with the signing secret.
func NewJWTAuthenticator(secret []byte, store registry.Store) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, store: store}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*registry.Caller, error) {
	raw := extractCredential(r)
	if raw == "" {
		return nil, &tberrors.AuthorizationError{Reason: "missing credentials"}
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, &tberrors.AuthorizationError{Reason: "invalid token"}
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, &tberrors.AuthorizationError{Reason: "token has no subject"}
	}

	caller, err := a.store.GetCaller(ctx, sub)
	if err != nil {
		var nf *tberrors.NotFoundError
		if tberrors.As(err, &nf) {
			return nil, &tberrors.AuthorizationError{Reason: "unknown caller"}
		}
		return nil, fmt.Errorf("looking up caller: %w", err)
	}
	return caller, nil
}

// IssueToken mints an HS256 token for a caller, used by the CLI for testing
// jwt-mode deployments.
func IssueToken(secret []byte, callerID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": callerID,
	})
	return token.SignedString(secret)
}
