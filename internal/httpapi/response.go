package httpapi

import (
	"errors"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"ratelock/internal/apperrors"
)

const kindInternal = "Internal"

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusByKind 是错误类别到 HTTP 状态码的唯一映射。
var statusByKind = map[apperrors.Kind]int{
	apperrors.KindInvalidCurrencyCode:       http.StatusBadRequest,
	apperrors.KindUnknownCurrencyInSnapshot: http.StatusBadRequest,
	apperrors.KindInvalidAmount:             http.StatusBadRequest,
	apperrors.KindNoRateDataAvailable:       http.StatusServiceUnavailable,
	apperrors.KindProviderUnavailable:       http.StatusBadGateway,
	apperrors.KindAuditPersistenceFailed:    http.StatusInternalServerError,
	apperrors.KindAuditNotFound:             http.StatusNotFound,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error":{"kind","message"}}. Errors without a
// kind are reported as Internal and their text is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: apiError{
		Kind:      kindInternal,
		Message:   "internal error",
		RequestID: chimiddleware.GetReqID(r.Context()),
	}}
	status := http.StatusInternalServerError

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Error.Kind = string(appErr.Kind)
		body.Error.Message = appErr.Message
		if code, ok := statusByKind[appErr.Kind]; ok {
			status = code
		}
	}
	writeJSON(w, status, body)
}
