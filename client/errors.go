package client

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned (wrapped) when the server answered a
// listing or metadata command with a reply that could not be parsed. It is
// distinct from transport failures so callers can fall back to another
// listing strategy.
var ErrMalformedResponse = errors.New("ftp: malformed response")

// ErrNoPendingCommand is returned by CompletePendingCommand when no transfer
// is waiting for its completion reply.
var ErrNoPendingCommand = errors.New("ftp: no pending transfer")

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw response received from the server (e.g., "550 Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// NotImplemented reports whether the server rejected the command itself
// (syntax error or unimplemented command) rather than its argument.
func (e *ProtocolError) NotImplemented() bool {
	switch e.Code {
	case 500, 501, 502, 504:
		return true
	}
	return false
}

// FileUnavailable reports a 550 reply: file not found or no access.
func (e *ProtocolError) FileUnavailable() bool {
	return e.Code == 550
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *ProtocolError) IsTemporary() bool {
	return e.Is4xx()
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
