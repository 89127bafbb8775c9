package apiclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// CredentialBroker mints a short-lived upload credential on every call.
type CredentialBroker struct {
	client *Client
}

func NewCredentialBroker(client *Client) *CredentialBroker {
	return &CredentialBroker{client: client}
}

func (b *CredentialBroker) Acquire(ctx context.Context) (domain.Credential, error) {
	var cred domain.Credential
	err := b.client.do(ctx, call{
		operation: "credential",
		method:    http.MethodPost,
		path:      "/v1/uploads/credentials",
		accept:    []int{http.StatusOK, http.StatusCreated},
	}, &cred)
	if err != nil {
		return domain.Credential{}, err
	}
	if cred.Token == "" && cred.AccessKeyID == "" {
		return domain.Credential{}, domain.WrapError(domain.ErrInvalidInput, "credential", errors.New("response carries no credential"))
	}
	return cred, nil
}
