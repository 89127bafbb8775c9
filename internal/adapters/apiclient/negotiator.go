package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type initRequest struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Negotiator performs INIT and FINALIZE, and reads ingestion status.
type Negotiator struct {
	client *Client
}

func NewNegotiator(client *Client) *Negotiator {
	return &Negotiator{client: client}
}

func (n *Negotiator) Init(ctx context.Context, file domain.FileDescriptor, idempotencyKey string) (domain.InitResult, error) {
	if idempotencyKey == "" {
		return domain.InitResult{}, domain.WrapError(domain.ErrInvalidInput, "init", errors.New("idempotency key is required"))
	}
	var result domain.InitResult
	err := n.client.do(ctx, call{
		operation: "init",
		method:    http.MethodPost,
		path:      "/v1/uploads",
		headers:   map[string]string{IdempotencyKeyHeader: idempotencyKey},
		payload:   initRequest{Name: file.Name, Size: file.Size, ContentType: file.ContentType},
		accept:    []int{http.StatusOK, http.StatusCreated},
	}, &result)
	if err != nil {
		return domain.InitResult{}, err
	}
	if result.ServerUploadID == "" || result.ObjectHandle == "" {
		return domain.InitResult{}, domain.WrapError(domain.ErrInvalidInput, "init", errors.New("response misses upload id or object handle"))
	}
	return result, nil
}

func (n *Negotiator) Finalize(ctx context.Context, serverUploadID string) error {
	return n.client.do(ctx, call{
		operation: "finalize",
		method:    http.MethodPost,
		path:      "/v1/uploads/" + url.PathEscape(serverUploadID) + "/finalize",
		accept:    []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent},
	}, nil)
}

func (n *Negotiator) Status(ctx context.Context, serverUploadID string) (domain.StatusReport, error) {
	var report domain.StatusReport
	err := n.client.do(ctx, call{
		operation: "status",
		method:    http.MethodGet,
		path:      "/v1/uploads/" + url.PathEscape(serverUploadID) + "/status",
		accept:    []int{http.StatusOK},
	}, &report)
	if err != nil {
		return domain.StatusReport{}, err
	}
	if report.State == "" {
		return domain.StatusReport{}, domain.WrapError(domain.ErrInvalidInput, "status", errors.New("response carries no state"))
	}
	return report, nil
}
