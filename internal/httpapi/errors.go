package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/domain"
)

// toHTTPError maps a tagged domain error onto the response envelope. Causes are never copied
// into the envelope.
func toHTTPError(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	if errors.Is(err, domain.ErrNotFound) {
		return envelope("not found", goerrors.CategoryNotFound, http.StatusNotFound, "NOT_FOUND")
	}

	reason := domain.ReasonOf(err)
	switch domain.KindOf(err) {
	case domain.KindValidation:
		if reason == "signature_invalid" {
			return envelope("signature verification failed", goerrors.CategoryAuth, http.StatusUnauthorized, "SIGNATURE_INVALID")
		}
		return envelope("request rejected", goerrors.CategoryBadInput, http.StatusBadRequest, textCode(reason)).
			WithMetadata(map[string]any{"reason": reason})
	case domain.KindRateLimited:
		return envelope("rate limited", goerrors.CategoryRateLimit, http.StatusTooManyRequests, "RATE_LIMITED")
	case domain.KindTransient:
		return envelope("temporarily unavailable", goerrors.CategoryExternal, http.StatusServiceUnavailable, "UNAVAILABLE").
			WithMetadata(map[string]any{"reason": reason})
	}
	return envelope("An unexpected error occurred", goerrors.CategoryInternal, http.StatusInternalServerError, "INTERNAL_ERROR")
}

func envelope(message string, category goerrors.Category, code int, text string) *goerrors.Error {
	return goerrors.New(message, category).WithCode(code).WithTextCode(text)
}

func textCode(reason string) string {
	if reason == "" {
		return "BAD_INPUT"
	}
	return strings.ToUpper(reason)
}

func writeError(w http.ResponseWriter, err error) {
	rich := toHTTPError(err)
	code := rich.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, rich.ToErrorResponse(false, nil))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
