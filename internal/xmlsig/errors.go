package xmlsig

import (
	"errors"
	"fmt"
)

// Stage identifies the step of the signing pipeline that failed.
type Stage string

const (
	StageParse  Stage = "parse"
	StageLocate Stage = "locate"
	StageKey    Stage = "key"
	StageSign   Stage = "sign"
	StageVerify Stage = "verify"
)

// Sentinel errors
var (
	// ErrMalformedInput is returned when the document is not well-formed XML or declares a DOCTYPE.
	ErrMalformedInput = errors.New("malformed XML input")

	// ErrNoSignableElement is returned when no element carries a non-blank identifier attribute.
	ErrNoSignableElement = errors.New("no element with an identifier attribute")

	// ErrAlreadySigned is returned when the located element already holds a signature.
	ErrAlreadySigned = errors.New("element is already signed")

	// ErrKeyLoad is returned when the signing key could not be obtained.
	ErrKeyLoad = errors.New("signing key unavailable")

	// ErrSignatureComputation is returned when digesting or signing fails.
	ErrSignatureComputation = errors.New("signature computation failed")

	// ErrInvalidSignature is returned by verification for missing or broken signatures.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignError reports which stage of signing or verification failed.
type SignError struct {
	Stage Stage
	Err   error
}

func (e *SignError) Error() string {
	return fmt.Sprintf("xmlsig %s: %v", e.Stage, e.Err)
}

func (e *SignError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, kind error, cause error) error {
	if cause == nil {
		return &SignError{Stage: stage, Err: kind}
	}
	return &SignError{Stage: stage, Err: fmt.Errorf("%w: %w", kind, cause)}
}
