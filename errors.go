package ftpfs

import (
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/gonzalop/ftpfs/client"
)

// Kind classifies an *Error.
type Kind int

const (
	// IllegalPath covers blank or invalid paths, separators in rename targets,
	// reading a directory, listing a file and missing parents that may not be
	// created.
	IllegalPath Kind = iota + 1

	// AlreadyExists means the target exists and overwriting was not allowed.
	AlreadyExists

	// NotFound means a required path does not exist.
	NotFound

	// Locked means the advisory lock is held by another caller.
	Locked

	// DeletedWhileRead means the file vanished before its content was read.
	DeletedWhileRead

	// StillBeingWritten means the file kept growing across all size checks.
	StillBeingWritten

	// ConnectionFailure means the control or data connection failed or was
	// closed. Callers can reconnect and retry.
	ConnectionFailure

	// Protocol is any other negative server reply.
	Protocol
)

var kindNames = map[Kind]string{
	IllegalPath:       "illegal path",
	AlreadyExists:     "already exists",
	NotFound:          "not found",
	Locked:            "locked",
	DeletedWhileRead:  "deleted while read",
	StillBeingWritten: "still being written",
	ConnectionFailure: "connection failure",
	Protocol:          "protocol error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// kindError is the sentinel type behind ErrIllegalPath and friends.
type kindError Kind

func (k kindError) Error() string {
	return "ftpfs: " + Kind(k).String()
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrIllegalPath       error = kindError(IllegalPath)
	ErrAlreadyExists     error = kindError(AlreadyExists)
	ErrNotFound          error = kindError(NotFound)
	ErrLocked            error = kindError(Locked)
	ErrDeletedWhileRead  error = kindError(DeletedWhileRead)
	ErrStillBeingWritten error = kindError(StillBeingWritten)
	ErrConnectionFailure error = kindError(ConnectionFailure)
	ErrProtocol          error = kindError(Protocol)
)

// Error is the error type returned by FileSystem operations. It names the
// operation and the path, and carries the server reply when there was one.
type Error struct {
	Kind Kind

	// Op is the public operation or FTP step that failed (e.g., "write", "rmdir")
	Op string

	// Path is the absolute remote path involved
	Path string

	// Code and Reply are the server's reply, when the failure came from one
	Code  int
	Reply string

	// Err is the underlying cause
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ftpfs: ")
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the Kind sentinels.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func newError(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: errors.Errorf(format, args...)}
}

// classify turns a transport error into an *Error. Errors that already
// carry a Kind pass through unchanged.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}

	e := &Error{Kind: Protocol, Op: op, Path: path, Err: err}
	var pe *client.ProtocolError
	if errors.As(err, &pe) {
		e.Code = pe.Code
		e.Reply = pe.Response
	}
	if isConnectionClosed(err) {
		e.Kind = ConnectionFailure
	}
	return e
}

// isConnectionClosed reports whether err means the connection is gone
// rather than the server refusing a command.
func isConnectionClosed(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNREFUSED):
		return true
	}

	var pe *client.ProtocolError
	if errors.As(err, &pe) {
		// 421: service not available, closing control connection
		return pe.Code == 421
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// isMalformed reports a reply the client could not parse.
func isMalformed(err error) bool {
	return errors.Is(err, client.ErrMalformedResponse)
}

// rejected returns the server's negative reply carried by err, if any. A
// 421 is not a rejection: the server is hanging up.
func rejected(err error) (*client.ProtocolError, bool) {
	var pe *client.ProtocolError
	if errors.As(err, &pe) && pe.Code != 421 {
		return pe, true
	}
	return nil, false
}
