// Package api implements the admin HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/EntropyParadigm/pure-gopher/internal/service"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PageResponse is the standard list envelope for paginated endpoints.
type PageResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// statusByCode maps ServiceError codes to HTTP statuses. Unknown codes are
// answered with 500.
var statusByCode = map[string]int{
	"INVALID_ARGUMENT": http.StatusBadRequest,
	"NOT_FOUND":        http.StatusNotFound,
	"CONFLICT":         http.StatusConflict,
	"INTERNAL":         http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code. Admin
// responses are never cached.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug("api: write response failed", "status", status, "err", err)
	}
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// WritePage writes one page of allItems.
func WritePage[T any](w http.ResponseWriter, status int, allItems []T, p Pagination) {
	WriteJSON(w, status, PageResponse[T]{
		Items:  PaginateSlice(allItems, p),
		Total:  len(allItems),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// writeServiceError maps service errors to HTTP responses. Anything that is
// not a ServiceError is reported as an opaque 500 and logged.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if err == nil || !errors.As(err, &svcErr) {
		log.Error("api: unexpected error", "err", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	status, ok := statusByCode[svcErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		log.Error("api: internal error", "code", svcErr.Code, "err", svcErr)
	}
	WriteError(w, status, svcErr.Code, svcErr.Message)
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg += " (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}
