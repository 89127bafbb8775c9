package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUploadNotFound    = errors.New("upload not found")
	ErrSessionNotFound   = errors.New("transfer session not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrTemporary         = errors.New("temporary failure")
	ErrInvalidTransition = errors.New("invalid upload state transition")
	ErrTooLarge          = errors.New("file too large")
)

// Upload pipeline failure classes. Each terminal failure of an item carries exactly one of them.
var (
	ErrAdmission   = errors.New("file rejected")
	ErrNegotiation = errors.New("upload negotiation failed")
	ErrCredential  = errors.New("credential acquisition failed")
	ErrTransfer    = errors.New("transfer failed")
	ErrIngestion   = errors.New("ingestion failed")
	ErrPollTimeout = errors.New("timed out waiting for ingestion")
	ErrCancelled   = errors.New("upload cancelled")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
