package transport

import (
	"errors"
	"fmt"
	"sync"
)

// CodeInternal is the code of a handler error no registered code matches.
const CodeInternal = "internal"

// RemoteError is a handler error returned by a peer. The peer answered, so
// a RemoteError says nothing about the peer's health.
type RemoteError struct {
	Peer    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: peer %s: %s", e.Peer, e.Message)
}

// Unwrap returns the sentinel registered for e.Code, if any.
func (e *RemoteError) Unwrap() error {
	return lookupCode(e.Code)
}

// IsRemote reports whether err is a handler error returned by a peer.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

type codedError struct {
	code string
	err  error
}

var (
	codesMu sync.RWMutex
	codes   []codedError
)

// RegisterError associates a wire code with a sentinel error so that it
// survives a round trip through any transport.
func RegisterError(code string, err error) {
	codesMu.Lock()
	defer codesMu.Unlock()

	for i, c := range codes {
		if c.code == code {
			codes[i].err = err
			return
		}
	}
	codes = append(codes, codedError{code: code, err: err})
}

// ErrorCode returns the registered code matching err, or CodeInternal.
func ErrorCode(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}

	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

func lookupCode(code string) error {
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

func init() {
	RegisterError("no_handler", ErrNoHandler)
}
