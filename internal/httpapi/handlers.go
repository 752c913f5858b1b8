package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/intake"
	"github.com/SirClappington/dmq/internal/logging"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	healthTimeout          = 2 * time.Second
)

func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, envelope("payload too large", goerrors.CategoryBadInput, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"))
			return
		}
		writeError(w, domain.Validation("intake", "body_unreadable"))
		return
	}

	res, err := h.cfg.Intake.Accept(r.Context(), intake.Delivery{
		Platform:  chi.URLParam(r, "platform"),
		TenantID:  chi.URLParam(r, "tenantID"),
		Body:      body,
		Signature: r.Header.Get(intake.SignatureHeader),
	})
	if err != nil {
		if domain.IsKind(err, domain.KindTransient) {
			h.log.Error("webhook intake failed", logging.Tenant(chi.URLParam(r, "tenantID")), zap.Error(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := intake.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.cfg.VerifyToken)
	if !ok {
		writeError(w, envelope("verification failed", goerrors.CategoryAuthz, http.StatusForbidden, "VERIFY_TOKEN_MISMATCH"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

type jobView struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Type        domain.JobType  `json:"type"`
	Status      domain.Status   `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	LeasedBy    *string         `json:"leased_by,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	j, err := h.cfg.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		ID:          j.ID,
		TenantID:    j.TenantID,
		Type:        j.Type,
		Status:      j.Status,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		ScheduledAt: j.ScheduledAt,
		LeasedBy:    j.LeasedBy,
		LastError:   j.LastError,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	})
}

func (h *handlers) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, domain.Validation("dead_letters", "limit_invalid"))
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}
	dls, err := h.cfg.Jobs.DeadLetters(r.Context(), limit)
	if err != nil && h.cfg.Mirror != nil {
		h.log.Warn("dead letter store unavailable, serving mirror", zap.Error(err))
		dls, err = h.cfg.Mirror.RecentDeadLetters(r.Context(), int64(limit))
		w.Header().Set("X-Dead-Letter-Source", "mirror")
	}
	if err != nil {
		writeError(w, domain.Transient("dead_letters", "store_unavailable", err))
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for _, c := range h.cfg.Checks {
		if err := c.Probe(ctx); err != nil {
			h.log.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
			status[c.Name] = "down"
			code = http.StatusServiceUnavailable
			continue
		}
		status[c.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
}
