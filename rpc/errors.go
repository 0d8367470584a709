package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/outer/backend/telemetry"
)

// Code is the machine-readable error code sent to clients.
type Code string

const (
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeBadRequest       Code = "BAD_REQUEST"
	CodeMethodNotAllowed Code = "METHOD_NOT_SUPPORTED"
	CodeTooManyRequests  Code = "TOO_MANY_REQUESTS"
	CodeInternal         Code = "INTERNAL_SERVER_ERROR"
)

var statusByCode = map[Code]int{
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeNotFound:         http.StatusNotFound,
	CodeBadRequest:       http.StatusBadRequest,
	CodeMethodNotAllowed: http.StatusMethodNotAllowed,
	CodeTooManyRequests:  http.StatusTooManyRequests,
	CodeInternal:         http.StatusInternalServerError,
}

// Error is a coded RPC failure. Cause is logged but never sent to the client.
type Error struct {
	Code    Code
	Status  int
	Message string
	Cause   error
}

// NewError returns an Error for code with the default status and message when msg is empty.
func NewError(code Code, msg string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		code, status = CodeInternal, http.StatusInternalServerError
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Code: code, Status: status, Message: msg}
}

// Wrap returns an Error carrying cause.
func Wrap(code Code, msg string, cause error) *Error {
	e := NewError(code, msg)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code so errors.Is(err, NewError(CodeForbidden, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// AsError converts any error into an *Error; unknown errors become INTERNAL_SERVER_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "", err)
}

// CodeOf returns the code of err, or "OK" for nil.
func CodeOf(err error) string {
	if err == nil {
		return "OK"
	}
	return string(AsError(err).Code)
}

type wireError struct {
	Defined bool   `json:"defined"`
	Code    Code   `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// WriteError writes err as a JSON error body with its HTTP status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := AsError(err)
	if e.Cause != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("rpc failed",
			slog.String("code", string(e.Code)),
			slog.String("path", r.URL.Path),
			slog.Any("err", e.Cause),
			slog.String("component", "rpc"))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if err := json.NewEncoder(w).Encode(wireError{Defined: true, Code: e.Code, Status: e.Status, Message: e.Message}); err != nil {
		slog.Warn("failed to encode error response", slog.Any("err", err))
	}
}
