// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/drivers"
	"ridedispatch/internal/modules/fare"
	"ridedispatch/internal/modules/ledger"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// isValidID accepts uuid-style and Firebase uid identifiers.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, fare.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, drivers.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Code: "already_claimed"})
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, dispatch.ErrNotOwner):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrQuoteFailed):
		writeJSON(c, http.StatusInternalServerError, errorResponse{Error: "ride could not be quoted", Code: "quote_failed"})
	case errors.Is(err, dispatch.ErrRoutingUnavailable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// bindOptionalJSON decodes the body when one is present.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// resolveActor returns the id the caller acts as. Authenticated callers default to their uid
// and may not act for anyone else.
func resolveActor(c *gin.Context, claimed string) (string, bool) {
	if !middleware.Authenticated(c) {
		return claimed, true
	}
	uid := middleware.CallerUID(c)
	if claimed == "" {
		return uid, true
	}
	return claimed, claimed == uid
}
