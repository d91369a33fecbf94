// Package apierr implements the error taxonomy from spec.md §7: a closed
// set of codes, each carrying an HTTP status and an optional reason_code
// detail, serialized as {"error": {"code", "message", "details"}} rather
// than the teacher's RFC 7807 problem+json envelope.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Code is one of the taxonomy's closed set of error codes.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeForbidden            Code = "FORBIDDEN"
	CodeInsufficientScope    Code = "INSUFFICIENT_SCOPE"
	CodeOperationNotPermitted Code = "OPERATION_NOT_PERMITTED"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeConflict             Code = "CONFLICT"
	CodeExpired              Code = "EXPIRED"
	CodeExportChainBroken    Code = "EXPORT_CHAIN_BROKEN"
	CodeExportCheckpointExpired Code = "EXPORT_CHECKPOINT_EXPIRED"
	CodeInternal             Code = "INTERNAL"
)

// httpStatus maps each code to the HTTP status it must be written with.
var httpStatus = map[Code]int{
	CodeValidation:              http.StatusBadRequest,
	CodeNotFound:                http.StatusNotFound,
	CodeForbidden:               http.StatusForbidden,
	CodeInsufficientScope:       http.StatusForbidden,
	CodeOperationNotPermitted:   http.StatusForbidden,
	CodeIdempotencyConflict:     http.StatusConflict,
	CodeConflict:                http.StatusConflict,
	CodeExpired:                 http.StatusConflict,
	CodeExportChainBroken:       http.StatusConflict,
	CodeExportCheckpointExpired: http.StatusGone,
	CodeInternal:                http.StatusInternalServerError,
}

// HTTPStatus returns the status code a Code must be written with. Unknown
// codes map to 500, matching the taxonomy's rule that INTERNAL is the only
// code allowed to surface from an uncaught fault.
func HTTPStatus(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the taxonomy's error value. ReasonCode, when set, is nested
// under Details["reason_code"] on the wire per spec.md §7.
type Error struct {
	Code       Code
	Message    string
	ReasonCode string
	Details    map[string]interface{}
}

func (e *Error) Error() string {
	if e.ReasonCode != "" {
		return string(e.Code) + "(" + e.ReasonCode + "): " + e.Message
	}
	return string(e.Code) + ": " + e.Message
}

// New constructs an Error with no reason_code or details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithReason sets the nested reason_code detail and returns e for chaining.
func (e *Error) WithReason(reasonCode string) *Error {
	e.ReasonCode = reasonCode
	return e
}

// WithDetails merges d into e.Details and returns e for chaining.
func (e *Error) WithDetails(d map[string]interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(d))
	}
	for k, v := range d {
		e.Details[k] = v
	}
	return e
}

// envelope is the wire shape: {"error": {"code", "message", "details"}}.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) body() envelopeBody {
	details := e.Details
	if e.ReasonCode != "" {
		merged := make(map[string]interface{}, len(details)+1)
		for k, v := range details {
			merged[k] = v
		}
		merged["reason_code"] = e.ReasonCode
		details = merged
	}
	return envelopeBody{Code: e.Code, Message: e.Message, Details: details}
}

// WriteHTTP writes err as the taxonomy's JSON envelope at its mapped
// status. INTERNAL errors log their underlying cause (via the caller,
// which should log before calling WriteHTTP) but never expose it on the
// wire — callers pass a generic Message for CodeInternal.
func WriteHTTP(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err.Code))
	_ = json.NewEncoder(w).Encode(envelope{Error: err.body()})
}
