package s3multipart

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/infrastructure/resilience"
)

type statusCoder interface {
	HTTPStatusCode() int
}

func classifyForExecutor(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Rejected()
	}
	switch kind := errorKind(err); kind {
	case domain.ErrTemporary:
		return resilience.Transient()
	case nil:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	default:
		return resilience.Rejected()
	}
}

func toDomainError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	if kind := errorKind(err); kind != nil {
		return domain.WrapError(kind, operation, err)
	}
	return domain.WrapError(domain.ErrInvalidInput, operation, err)
}

func errorKind(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken", "TokenRefreshRequired":
			return domain.ErrUnauthorized
		case "NoSuchUpload", "NoSuchBucket":
			return domain.ErrSessionNotFound
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return domain.ErrTemporary
		}
	}

	var coded statusCoder
	if errors.As(err, &coded) {
		switch code := coded.HTTPStatusCode(); {
		case code == 401 || code == 403:
			return domain.ErrUnauthorized
		case code == 404:
			return domain.ErrSessionNotFound
		case code == 429 || code >= 500:
			return domain.ErrTemporary
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrTemporary
	}
	return nil
}
