package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/vault"
)

type credentialRequest struct {
	Token      string     `json:"token"`
	Identifier string     `json:"identifier"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (h *handlers) putCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, domain.Validation("credentials", "payload_malformed"))
		return
	}
	err := h.cfg.Credentials.StoreToken(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "platform"), req.Token, vault.Metadata{
		Identifier: req.Identifier,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getCredential(w http.ResponseWriter, r *http.Request) {
	ok, err := h.cfg.Credentials.IsValid(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "platform"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (h *handlers) rotateCredentials(w http.ResponseWriter, r *http.Request) {
	n, err := h.cfg.Credentials.Rotate(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
