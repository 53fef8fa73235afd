package httpx

import (
	"errors"
	"net/http"

	"github.com/membermail/membermail/internal/data"
	apperrors "github.com/membermail/membermail/internal/errors"
)

// WriteServiceError maps service and repository errors to HTTP responses.
// Storage sentinels are checked first; anything unrecognized is a 500 with a
// generic message so internals never leak to callers.
func WriteServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrJobNotFound) || apperrors.IsNotFound(err):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")})
	case errors.Is(err, data.ErrAlreadyClaimed):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "job_claimed", Err: err})
	case errors.Is(err, data.ErrNotResumable):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "not_resumable", Err: err})
	case errors.Is(err, data.ErrJobTerminal):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "invalid_state", Err: err})
	case errors.Is(err, data.ErrLeaseLost):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "lease_lost", Err: err})
	case apperrors.IsValidation(err) || apperrors.IsInvalidTransition(err):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation_failed", Err: err})
	case apperrors.IsConflict(err):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "conflict", Err: err})
	case apperrors.IsTimeout(err):
		WriteError(w, ErrorParams{Code: http.StatusGatewayTimeout, ErrCode: "timeout", Err: errors.New("request timed out")})
	default:
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "internal_error",
			Err:     errors.New("internal server error"),
		})
	}
}
