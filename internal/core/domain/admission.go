package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-units"
)

// AdmissionPolicy is the local gate applied before any network call is made.
type AdmissionPolicy struct {
	MaxBytes     int64
	allowedTypes map[string]struct{}
}

func NewAdmissionPolicy(maxBytes int64, allowedTypes []string) AdmissionPolicy {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		if n := NormalizeContentType(t); n != "" {
			allowed[n] = struct{}{}
		}
	}
	return AdmissionPolicy{MaxBytes: maxBytes, allowedTypes: allowed}
}

func (p AdmissionPolicy) AllowedTypes() []string {
	out := make([]string, 0, len(p.allowedTypes))
	for t := range p.allowedTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Check rejects empty, oversized and disallowed files.
func (p AdmissionPolicy) Check(file FileDescriptor) error {
	if strings.TrimSpace(file.Name) == "" {
		return WrapError(ErrAdmission, "admit file", fmt.Errorf("file name is required"))
	}
	if file.Size <= 0 {
		return WrapError(ErrAdmission, "admit file", fmt.Errorf("%s is empty", file.Name))
	}
	if p.MaxBytes > 0 && file.Size > p.MaxBytes {
		return WrapError(ErrAdmission, "admit file", fmt.Errorf(
			"%w: %s is %s, larger than the %s limit", ErrTooLarge,
			file.Name, units.BytesSize(float64(file.Size)), units.BytesSize(float64(p.MaxBytes)),
		))
	}
	if len(p.allowedTypes) == 0 {
		return nil
	}
	contentType := NormalizeContentType(file.ContentType)
	if _, ok := p.allowedTypes[contentType]; !ok {
		if contentType == "" {
			contentType = "unknown type"
		}
		return WrapError(ErrAdmission, "admit file", fmt.Errorf("%s has unsupported type %s", file.Name, contentType))
	}
	return nil
}
