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

package daemon

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/internal/discovery"
	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// adminAPI is the management surface the CLI talks to. It binds to the same
// listener as the gateway; deployments that expose the gateway publicly
// should front these routes with their own access control.
type adminAPI struct {
	store      registry.Store
	discoverer *discovery.Runner
	logger     *slog.Logger
}

func registerAdminRoutes(mux *http.ServeMux, store registry.Store, disc *discovery.Runner, logger *slog.Logger) {
	api := &adminAPI{store: store, discoverer: disc, logger: logger.With("component", "admin")}

	mux.HandleFunc("POST /v1/tools", api.handleRegisterTool)
	mux.HandleFunc("GET /v1/tools", api.handleListTools)
	mux.HandleFunc("GET /v1/tools/{id}", api.handleGetTool)
	mux.HandleFunc("DELETE /v1/tools/{id}", api.handleDeleteTool)
	mux.HandleFunc("GET /v1/tools/{id}/capabilities", api.handleListCapabilities)

	mux.HandleFunc("POST /v1/callers", api.handleCreateCaller)
	mux.HandleFunc("GET /v1/callers", api.handleListCallers)
	mux.HandleFunc("DELETE /v1/callers/{id}", api.handleDeleteCaller)

	mux.HandleFunc("PUT /v1/tools/{id}/secrets/{key}", api.handleSetSecret)
	mux.HandleFunc("GET /v1/tools/{id}/secrets", api.handleListSecretKeys)
	mux.HandleFunc("DELETE /v1/tools/{id}/secrets/{key}", api.handleDeleteSecret)
}

// registerToolRequest mirrors discovery.RegisterRequest on the wire.
type registerToolRequest struct {
	Name             string            `json:"name"`
	OwnerID          string            `json:"owner_id"`
	Repo             string            `json:"repo"`
	Command          string            `json:"command"`
	Env              map[string]string `json:"env,omitempty"`
	DefaultArguments map[string]any    `json:"default_arguments,omitempty"`
	Shared           bool              `json:"shared"`
}

func (a *adminAPI) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var req registerToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	tool, err := a.discoverer.Register(r.Context(), discovery.RegisterRequest{
		Name:             req.Name,
		OwnerID:          req.OwnerID,
		Repo:             req.Repo,
		Command:          req.Command,
		Env:              req.Env,
		DefaultArguments: req.DefaultArguments,
		Shared:           req.Shared,
	})
	if err != nil {
		var verr *tberrors.ValidationError
		if tberrors.As(err, &verr) && tool == nil {
			writeAdminError(w, http.StatusBadRequest, verr.Error())
			return
		}
		// The build failed; the tool record exists in failed state and is
		// returned so the client can show the diagnostic.
		if tool != nil {
			writeAdminJSON(w, http.StatusUnprocessableEntity, tool)
			return
		}
		a.logger.Error("tool registration failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeAdminJSON(w, http.StatusCreated, tool)
}

func (a *adminAPI) handleListTools(w http.ResponseWriter, r *http.Request) {
	callerID := r.URL.Query().Get("caller_id")
	tools, err := a.store.ListVisibleTools(r.Context(), callerID)
	if err != nil {
		a.logger.Error("failed to list tools", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	if tools == nil {
		tools = []*registry.Tool{}
	}
	writeAdminJSON(w, http.StatusOK, tools)
}

func (a *adminAPI) handleGetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := a.store.GetTool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, a.logger, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, tool)
}

func (a *adminAPI) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteTool(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := a.store.ListCapabilities(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, a.logger, err)
		return
	}
	if caps == nil {
		caps = []registry.Capability{}
	}
	writeAdminJSON(w, http.StatusOK, caps)
}

type createCallerRequest struct {
	Name string `json:"name"`
}

// createCallerResponse carries the plaintext key exactly once.
type createCallerResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

func (a *adminAPI) handleCreateCaller(w http.ResponseWriter, r *http.Request) {
	var req createCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "caller name is required")
		return
	}

	key, hash, err := registry.GenerateCallerKey()
	if err != nil {
		a.logger.Error("failed to generate caller key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}

	caller := &registry.Caller{
		ID:      uuid.NewString(),
		Name:    req.Name,
		KeyHash: hash,
	}
	if err := a.store.CreateCaller(r.Context(), caller); err != nil {
		if err == registry.ErrCallerExists {
			writeAdminError(w, http.StatusConflict, "caller name already in use")
			return
		}
		a.logger.Error("failed to create caller", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create caller")
		return
	}

	writeAdminJSON(w, http.StatusCreated, createCallerResponse{
		ID:        caller.ID,
		Name:      caller.Name,
		Key:       key,
		CreatedAt: caller.CreatedAt.Format(time.RFC3339),
	})
}

func (a *adminAPI) handleListCallers(w http.ResponseWriter, r *http.Request) {
	callers, err := a.store.ListCallers(r.Context())
	if err != nil {
		a.logger.Error("failed to list callers", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list callers")
		return
	}
	if callers == nil {
		callers = []*registry.Caller{}
	}
	writeAdminJSON(w, http.StatusOK, callers)
}

func (a *adminAPI) handleDeleteCaller(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteCaller(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setSecretRequest struct {
	Value string `json:"value"`
}

func (a *adminAPI) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req setSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	toolID := r.PathValue("id")
	if _, err := a.store.GetTool(r.Context(), toolID); err != nil {
		writeStoreError(w, a.logger, err)
		return
	}

	if err := a.store.SetSecret(r.Context(), toolID, r.PathValue("key"), req.Value); err != nil {
		a.logger.Error("failed to store secret", "tool_id", toolID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to store secret")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) handleListSecretKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.store.ListSecretKeys(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, a.logger, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeAdminJSON(w, http.StatusOK, keys)
}

func (a *adminAPI) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteSecret(r.Context(), r.PathValue("id"), r.PathValue("key")); err != nil {
		writeStoreError(w, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var nf *tberrors.NotFoundError
	if tberrors.As(err, &nf) {
		writeAdminError(w, http.StatusNotFound, nf.Error())
		return
	}
	logger.Error("store operation failed", "error", err)
	writeAdminError(w, http.StatusInternalServerError, "internal error")
}

// writeAdminJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func writeAdminJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeAdminJSON(w, status, map[string]string{"error": message})
}
