package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// zbf-specific error codes.
const (
	// ProgramNotFound indicates no stored program matches the reference.
	ProgramNotFound = -32001

	// ProgramRejected indicates the source failed validation.
	ProgramRejected = -32002

	// RunFailed indicates the run machinery failed before or after
	// execution. Faults inside a run are reported in the result, not here.
	RunFailed = -32003

	// RecordNotFound indicates no run record matches the query.
	RecordNotFound = -32004

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerError creates an internal server error with a custom message.
func InternalServerError(msg string) *RPCError {
	return NewRPCError(InternalError, msg)
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ProgramNotFoundError creates an error for an unknown program reference.
func ProgramNotFoundError(ref string) *RPCError {
	return NewRPCErrorWithData(ProgramNotFound,
		fmt.Sprintf("Program not found: %s", ref),
		map[string]string{"program": ref})
}

// ProgramRejectedError creates an error for source that failed validation.
func ProgramRejectedError(err error) *RPCError {
	return NewRPCError(ProgramRejected, fmt.Sprintf("Program rejected: %v", err))
}

// RunFailedErrorf creates an error for a run that could not be performed.
func RunFailedErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(RunFailed, fmt.Sprintf(format, args...))
}

// RecordNotFoundError creates an error for a missing run record.
func RecordNotFoundError(ref string, seq uint64) *RPCError {
	return NewRPCErrorWithData(RecordNotFound,
		fmt.Sprintf("Run record not found: %s seq %d", ref, seq),
		map[string]interface{}{"program": ref, "seq": seq})
}
