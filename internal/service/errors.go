package service

import (
	"errors"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// fromDomain maps domain sentinel errors to codes. Anything unrecognized is
// INTERNAL with msg as the public message.
func fromDomain(msg string, err error) *ServiceError {
	var code string
	switch {
	case errors.Is(err, federation.ErrInvalidPeer),
		errors.Is(err, admission.ErrInvalidAddress),
		errors.Is(err, reputation.ErrUnknownEvent):
		code = "INVALID_ARGUMENT"
	case errors.Is(err, federation.ErrPeerNotFound),
		errors.Is(err, admission.ErrBanNotFound):
		code = "NOT_FOUND"
	case errors.Is(err, federation.ErrPeerExists):
		code = "CONFLICT"
	default:
		return internal(msg, err)
	}
	return &ServiceError{Code: code, Message: err.Error(), Err: err}
}
