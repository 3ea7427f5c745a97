package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"CampusPay/internal/apperr"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeAppError maps err onto a status code and the error body. Internal
// errors are logged and hidden from the caller.
func writeAppError(w http.ResponseWriter, log *zap.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", e.Code), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: e.Error(), Code: e.Code, Retryable: e.Retryable})
}

func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindInvalid, apperr.KindWallet:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindLedgerConflict:
		return http.StatusConflict
	case apperr.KindVerification:
		if e.Retryable {
			return http.StatusAccepted
		}
		return http.StatusUnprocessableEntity
	case apperr.KindPayout:
		switch e.Code {
		case apperr.CodeInvalidAddress:
			return http.StatusBadRequest
		case apperr.CodePayoutUnconfirmed:
			return http.StatusAccepted
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON body into dst and validates its struct tags.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Invalid("invalid json body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Invalid("invalid field " + verrs[0].Field() + ": " + verrs[0].Tag())
		}
		return apperr.Invalid("invalid request")
	}
	return nil
}
