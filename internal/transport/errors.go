package transport

import (
	"errors"
	"fmt"
)

// Stage identifies where a request failed.
type Stage string

const (
	StageConnect Stage = "connect"
	StageRead    Stage = "read"
)

// Sentinel errors
var (
	// ErrConnect is returned when the connection or TLS handshake could not be established.
	ErrConnect = errors.New("connection failed")

	// ErrRead is returned when the response could not be read in full.
	ErrRead = errors.New("response read failed")

	// ErrPoolExhausted is returned when no connection lease became available within the connect timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrSessionClosed is returned for requests issued after Close.
	ErrSessionClosed = errors.New("transport session closed")
)

// TransportError describes a failed exchange with the remote service.
type TransportError struct {
	Stage Stage
	URL   string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func connectError(url string, err error) error {
	return &TransportError{Stage: StageConnect, URL: url, Err: fmt.Errorf("%w: %w", ErrConnect, err)}
}

func readError(url string, err error) error {
	return &TransportError{Stage: StageRead, URL: url, Err: fmt.Errorf("%w: %w", ErrRead, err)}
}
