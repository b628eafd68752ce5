package protocol

import (
	"errors"

	"github.com/jonnylin13/LongDistanceNetflix/internal/service"
)

type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NotFound"
	CodeAlreadyInLobby   ErrorCode = "AlreadyInLobby"
	CodeNotController    ErrorCode = "NotController"
	CodeMalformedMessage ErrorCode = "MalformedMessage"
	CodeTransportFailure ErrorCode = "TransportFailure"
	CodeInternal         ErrorCode = "Internal"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	// ErrTransportFailure marks a send to a dead or saturated connection.
	ErrTransportFailure = errors.New("transport failure")
)

// CodeOf classifies err for the wire.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, service.ErrLobbyNotFound), errors.Is(err, service.ErrUserNotFound):
		return CodeNotFound
	case errors.Is(err, service.ErrAlreadyInLobby):
		return CodeAlreadyInLobby
	case errors.Is(err, service.ErrNotController):
		return CodeNotController
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	case errors.Is(err, ErrTransportFailure):
		return CodeTransportFailure
	default:
		return CodeInternal
	}
}

// errorReply turns a failed request into the message sent back to its sender.
func errorReply(err error) Error {
	code := CodeOf(err)
	if code == CodeInternal {
		return Error{Code: code, Message: "internal error"}
	}
	return Error{Code: code, Message: err.Error()}
}
