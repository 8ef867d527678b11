package protocol

import (
	"errors"
	"io/fs"
	"syscall"
)

// Problem codes sent to the peer in close frames.
const (
	CodeProtocolError = "protocol-error"
	CodeNotSupported  = "not-supported"
	CodeInternalError = "internal-error"
	CodeNotFound      = "not-found"
	CodeAccessDenied  = "access-denied"
	CodeDisconnected  = "disconnected"
	CodeTerminated    = "terminated"
)

// Problem is an error that is reported to the peer as structured attributes,
// usually in a close frame.
type Problem struct {
	Code    string
	Message string
	// Extra attributes included alongside problem and message.
	Extra Object
}

// NewProblem returns a Problem with the given code and message.
func NewProblem(code, message string) *Problem {
	return &Problem{Code: code, Message: message}
}

func ProtocolError(message string) *Problem {
	return NewProblem(CodeProtocolError, message)
}

func NotSupported(message string) *Problem {
	return NewProblem(CodeNotSupported, message)
}

// InternalError carries diagnostic detail as the "cause" attribute.
func InternalError(message, cause string) *Problem {
	p := NewProblem(CodeInternalError, message)
	if cause != "" {
		p.Extra = Object{"cause": cause}
	}
	return p
}

func (p *Problem) Error() string {
	if p.Message == "" {
		return p.Code
	}
	return p.Code + ": " + p.Message
}

// Attrs returns the Problem as an Object suitable for a close frame.
func (p *Problem) Attrs() Object {
	attrs := Object{"problem": p.Code}
	if p.Message != "" {
		attrs["message"] = p.Message
	}
	for k, v := range p.Extra {
		attrs[k] = v
	}
	return attrs
}

// ProblemFromError converts an arbitrary error into a Problem. JSON errors
// are protocol errors, well known filesystem and socket errors map to their
// problem codes, anything else is an internal error.
func ProblemFromError(err error) *Problem {
	if err == nil {
		return nil
	}
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	var jerr *JSONError
	if errors.As(err, &jerr) {
		return ProtocolError(jerr.Error())
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ECONNREFUSED):
		return NewProblem(CodeNotFound, err.Error())
	case errors.Is(err, fs.ErrPermission):
		return NewProblem(CodeAccessDenied, err.Error())
	}
	return NewProblem(CodeInternalError, err.Error())
}

// IsProtocolFailure reports whether err should be converted into close
// attributes at a dispatch boundary rather than treated as unexpected.
func IsProtocolFailure(err error) bool {
	var p *Problem
	var jerr *JSONError
	return errors.As(err, &p) || errors.As(err, &jerr)
}
