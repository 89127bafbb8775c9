package resumable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// StatusResumeIncomplete is answered while a session still expects bytes.
const StatusResumeIncomplete = http.StatusPermanentRedirect

// Target speaks the resumable upload protocol: a POST opens a session whose URL is
// returned in Location, and PUTs carrying Content-Range append bytes to it.
type Target struct {
	baseURL    *url.URL
	httpClient *retryablehttp.Client
}

func New(storageURL string, timeout time.Duration, logger *slog.Logger) (*Target, error) {
	base, err := url.Parse(strings.TrimRight(storageURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid storage url %q", storageURL)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = timeout
	client.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &Target{baseURL: base, httpClient: client}, nil
}

func (t *Target) CreateSession(ctx context.Context, dest domain.InitResult, file domain.FileDescriptor, cred domain.Credential) (string, error) {
	endpoint := t.baseURL.JoinPath("upload", "storage", "v1", "b", dest.Bucket, "o")
	query := url.Values{}
	query.Set("uploadType", "resumable")
	query.Set("name", dest.ObjectHandle)
	endpoint.RawQuery = query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	authorize(req, cred)
	req.Header.Set("X-Upload-Content-Type", file.ContentType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(file.Size, 10))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", transportError("create session", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("create session", resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "create session", errors.New("response has no Location header"))
	}
	locator, err := t.baseURL.Parse(location)
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "create session", fmt.Errorf("parse Location: %w", err))
	}
	return locator.String(), nil
}

func (t *Target) QueryOffset(ctx context.Context, locator string, file domain.FileDescriptor, cred domain.Credential) (int64, error) {
	return t.put(ctx, "query offset", locator, fmt.Sprintf("bytes */%d", file.Size), nil, file.Size, cred)
}

func (t *Target) PutChunk(ctx context.Context, locator string, chunk domain.Chunk, cred domain.Credential) (int64, error) {
	contentRange := fmt.Sprintf("bytes %d-%d/%d", chunk.Offset, chunk.End()-1, chunk.Total)
	return t.put(ctx, "put chunk", locator, contentRange, chunk.Data, chunk.Total, cred)
}

// Commit confirms that storage holds the complete object. The last chunk completes
// the session, so no further bytes are sent.
func (t *Target) Commit(ctx context.Context, locator string, file domain.FileDescriptor, cred domain.Credential) error {
	offset, err := t.QueryOffset(ctx, locator, file, cred)
	if err != nil {
		return err
	}
	if offset != file.Size {
		return domain.WrapError(domain.ErrConflict, "commit", fmt.Errorf("storage holds %d of %d bytes", offset, file.Size))
	}
	return nil
}

func (t *Target) put(ctx context.Context, operation, locator, contentRange string, data []byte, total int64, cred domain.Credential) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, locator, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", operation, err)
	}
	authorize(req, cred)
	req.Header.Set("Content-Range", contentRange)
	req.ContentLength = int64(len(data))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, transportError(operation, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return total, nil
	case StatusResumeIncomplete:
		offset, err := ParseRangeHeader(resp.Header.Get("Range"))
		if err != nil {
			return 0, domain.WrapError(domain.ErrInvalidInput, operation, err)
		}
		return offset, nil
	default:
		return 0, statusError(operation, resp)
	}
}

// ParseRangeHeader turns "bytes=0-N" into the committed offset N+1. An empty header means
// nothing is stored yet.
func ParseRangeHeader(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok {
		return 0, fmt.Errorf("unsupported Range %q", value)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok || first != "0" {
		return 0, fmt.Errorf("unsupported Range %q", value)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < 0 {
		return 0, fmt.Errorf("invalid Range %q", value)
	}
	return end + 1, nil
}

func authorize(req *retryablehttp.Request, cred domain.Credential) {
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func statusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := fmt.Errorf("storage %s status: %s", operation, resp.Status)
	if msg := strings.TrimSpace(string(body)); msg != "" {
		err = fmt.Errorf("storage %s status: %s: %s", operation, resp.Status, msg)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.WrapError(domain.ErrUnauthorized, operation, err)
	case http.StatusNotFound, http.StatusGone:
		return domain.WrapError(domain.ErrSessionNotFound, operation, err)
	case http.StatusConflict:
		return domain.WrapError(domain.ErrConflict, operation, err)
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.WrapError(domain.ErrTemporary, operation, err)
	default:
		return domain.WrapError(domain.ErrInvalidInput, operation, err)
	}
}

func transportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return fmt.Errorf("storage %s request: %w", operation, err)
}
