package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/integratedmodelling/klab-go/internal/auth"
	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
)

type handlers struct {
	source     StatusSource
	bus        messaging.Bus
	logger     *slog.Logger
	maxBody    int64
	secretHash string
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Status())
}

func (h *handlers) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Capabilities())
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireSecret guards privileged local endpoints with the service secret.
// With no secret configured the endpoints are disabled outright.
func (h *handlers) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secretHash == "" {
			writeError(w, r, http.StatusForbidden, "privileged endpoints disabled")
			return
		}
		secret := r.Header.Get("X-Service-Secret")
		if secret == "" {
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, "missing service secret")
			return
		}
		ok, err := auth.VerifySecret(secret, h.secretHash)
		if err != nil || !ok {
			writeError(w, r, http.StatusUnauthorized, "invalid service secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlePostMessage injects a message envelope into the engine bus. Used by
// local tooling to drive the engine without a broker connection.
func (h *handlers) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "messaging not configured")
		return
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	decoder.DisallowUnknownFields()
	var msg model.Message
	if err := decoder.Decode(&msg); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed message: "+err.Error())
		return
	}
	if msg.ID == 0 || msg.Class == "" {
		writeError(w, r, http.StatusBadRequest, "malformed message: missing id or class")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.bus.Post(ctx, msg); err != nil {
		writeError(w, r, http.StatusBadGateway, "message not delivered")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"id": msg.ID})
}
