package gateway

import (
	"errors"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/auth"
)

// Code classifies an RPC failure for the wire.
type Code string

const (
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
)

// RPCError is the uniform error envelope returned to clients.
type RPCError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func rpcError(code Code, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// toRPCError maps domain errors onto the wire taxonomy. Unknown errors
// become INTERNAL.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, artifacts.ErrInvalidID):
		return rpcError(CodeInvalidRequest, err.Error())
	case errors.Is(err, artifacts.ErrNotFound):
		return rpcError(CodeNotFound, err.Error())
	case errors.Is(err, artifacts.ErrCorrupt):
		return rpcError(CodeInternal, err.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		return rpcError(CodeInvalidRequest, err.Error())
	default:
		return rpcError(CodeInternal, err.Error())
	}
}
