package uploader

import (
	"context"
	"errors"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// RetryBudget bounds how many times one transfer attempt may re-send failed chunks.
// Auth-class retries are preceded by a credential refresh.
type RetryBudget struct {
	Auth  int
	Other int
}

func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Auth: 1, Other: 0}
}

type failureClass int

const (
	failureTerminal failureClass = iota
	failureAuth
	failureOther
)

func classifyTransferError(err error) failureClass {
	switch {
	case err == nil:
		return failureTerminal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failureTerminal
	case domain.IsKind(err, domain.ErrUnauthorized):
		return failureAuth
	default:
		return failureOther
	}
}

// retryState tracks the remaining budget of one transfer.
type retryState struct {
	auth  int
	other int
}

func newRetryState(b RetryBudget) *retryState {
	return &retryState{auth: max(b.Auth, 0), other: max(b.Other, 0)}
}

// take consumes one retry for the class of err and reports whether a retry is allowed.
func (s *retryState) take(err error) (failureClass, bool) {
	class := classifyTransferError(err)
	switch class {
	case failureAuth:
		if s.auth == 0 {
			return class, false
		}
		s.auth--
		return class, true
	case failureOther:
		if s.other == 0 {
			return class, false
		}
		s.other--
		return class, true
	default:
		return class, false
	}
}
