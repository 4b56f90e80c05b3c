package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"regpipe/pkg/domainerrors"
	"regpipe/pkg/platform/sentinel"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps coded domain errors and store sentinels to HTTP statuses.
// Unknown errors surface as opaque 500s; the detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	var de *domainerrors.Error
	if errors.As(err, &de) {
		writeJSON(w, statusOf(de.Code), errorResponse{Error: string(de.Code), Message: de.Message})
		return
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(domainerrors.CodeNotFound)})
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrInvalidState), errors.Is(err, sentinel.ErrImmutable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: string(domainerrors.CodeConflict)})
	case errors.Is(err, sentinel.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(domainerrors.CodeInternal)})
	}
}

func statusOf(code domainerrors.Code) int {
	switch code {
	case domainerrors.CodeBadRequest:
		return http.StatusBadRequest
	case domainerrors.CodeNotFound:
		return http.StatusNotFound
	case domainerrors.CodeValidation, domainerrors.CodeDSLRejected:
		return http.StatusUnprocessableEntity
	case domainerrors.CodeConflict, domainerrors.CodeGateFailure:
		return http.StatusConflict
	case domainerrors.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeBadRequest, "invalid request body")
	}
	return nil
}
