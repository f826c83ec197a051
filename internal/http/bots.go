// Package http serves the bot instance management API.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// BotsHandler handles stored bot instance CRUD endpoints.
type BotsHandler struct {
	store     store.BotStore
	token     string
	factories map[string]bots.PlatformFactory
	onChange  func()
}

// NewBotsHandler creates a handler over s. Definitions are validated with
// the given platform factories before they are stored. onChange, when set,
// runs after every successful write.
func NewBotsHandler(s store.BotStore, token string, onChange func(), factories ...bots.PlatformFactory) *BotsHandler {
	h := &BotsHandler{
		store:     s,
		token:     token,
		factories: make(map[string]bots.PlatformFactory, len(factories)),
		onChange:  onChange,
	}
	for _, f := range factories {
		h.factories[strings.ToLower(f.Platform())] = f
	}
	return h
}

// RegisterRoutes registers all bot instance routes on the given mux.
// Without a token nothing is registered: stored definitions carry server
// credentials and must not be writable anonymously.
func (h *BotsHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.token == "" {
		slog.Warn("bots API disabled, set CHATBRIDGE_GATEWAY_TOKEN to enable /v1/bots")
		return
	}
	mux.HandleFunc("GET /v1/bots", h.auth(h.handleList))
	mux.HandleFunc("GET /v1/bots/{name}", h.auth(h.handleGet))
	mux.HandleFunc("PUT /v1/bots/{name}", h.auth(h.handlePut))
	mux.HandleFunc("DELETE /v1/bots/{name}", h.auth(h.handleDelete))
}

func (h *BotsHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *BotsHandler) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

func (h *BotsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		slog.Error("bots.list", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list bots"})
		return
	}
	result := make([]map[string]any, 0, len(list))
	for _, inst := range list {
		result = append(result, maskBotHTTP(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": result, "total": len(result)})
}

func (h *BotsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.Get(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return
	}
	if err != nil {
		slog.Error("bots.get", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load bot"})
		return
	}
	writeJSON(w, http.StatusOK, maskBotHTTP(*inst))
}

func (h *BotsHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		MessageProvider string          `json:"message_provider"`
		PlatformConfig  json.RawMessage `json:"platform_config"`
		Enabled         *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.MessageProvider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message_provider is required"})
		return
	}
	factory, ok := h.factories[strings.ToLower(body.MessageProvider)]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported message_provider"})
		return
	}
	if _, err := factory.Decode(name, body.PlatformConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	inst := &store.BotInstanceData{
		Name:            name,
		MessageProvider: body.MessageProvider,
		PlatformConfig:  body.PlatformConfig,
		Enabled:         enabled,
	}
	if err := h.store.Upsert(r.Context(), inst); err != nil {
		slog.Error("bots.upsert", "bot", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store bot"})
		return
	}

	slog.Info("bot definition stored", "bot", name, "enabled", enabled)
	h.changed()
	writeJSON(w, http.StatusOK, maskBotHTTP(*inst))
}

func (h *BotsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := h.store.Delete(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return
	}
	if err != nil {
		slog.Error("bots.delete", "bot", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete bot"})
		return
	}

	slog.Info("bot definition deleted", "bot", name)
	h.changed()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// maskBotHTTP returns the stored definition with its token masked.
func maskBotHTTP(inst store.BotInstanceData) map[string]any {
	var cfg map[string]any
	if json.Unmarshal(inst.PlatformConfig, &cfg) != nil || cfg == nil {
		cfg = map[string]any{}
	}
	for _, k := range []string{"token", "auth_token"} {
		if _, ok := cfg[k]; ok {
			cfg[k] = "***"
		}
	}
	return map[string]any{
		"id":               inst.ID,
		"name":             inst.Name,
		"message_provider": inst.MessageProvider,
		"platform_config":  cfg,
		"enabled":          inst.Enabled,
		"created_at":       inst.CreatedAt,
		"updated_at":       inst.UpdatedAt,
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
