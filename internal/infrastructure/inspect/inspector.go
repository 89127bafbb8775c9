package inspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/core/ports"
)

const (
	contentTypePDF  = "application/pdf"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	sniffLen = 3072
)

// Inspector hashes a stored object and checks that it parses as its declared type.
type Inspector struct{}

func New() *Inspector {
	return &Inspector{}
}

func (i *Inspector) Inspect(ctx context.Context, contentType string, object ports.StoredObject, size int64) (domain.Inspection, error) {
	if size <= 0 {
		return domain.Inspection{}, domain.WrapError(domain.ErrInvalidInput, "inspect object", errors.New("object is empty"))
	}
	hash, err := contentHash(ctx, object, size)
	if err != nil {
		return domain.Inspection{}, err
	}
	inspection := domain.Inspection{ContentHash: hash}

	declared := domain.NormalizeContentType(contentType)
	switch {
	case declared == contentTypePDF:
		pages, err := inspectPDF(object, size)
		if err != nil {
			return domain.Inspection{}, err
		}
		inspection.PageCount = pages
	case declared == contentTypeXLSX:
		sheets, err := inspectXLSX(object, size)
		if err != nil {
			return domain.Inspection{}, err
		}
		inspection.Sheets = sheets
	case strings.HasPrefix(declared, "text/"):
		if err := inspectText(object, size); err != nil {
			return domain.Inspection{}, err
		}
	}
	return inspection, nil
}

func contentHash(ctx context.Context, object io.ReaderAt, size int64) (string, error) {
	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: io.NewSectionReader(object, 0, size)})
	if err != nil {
		return "", fmt.Errorf("hash object: %w", err)
	}
	if n != size {
		return "", domain.WrapError(domain.ErrInvalidInput, "hash object", fmt.Errorf("read %d of %d bytes", n, size))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sniff(object io.ReaderAt, size int64) (*mimetype.MIME, error) {
	mt, err := mimetype.DetectReader(io.NewSectionReader(object, 0, min(size, sniffLen)))
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}
	return mt, nil
}

func inspectPDF(object io.ReaderAt, size int64) (pages int, err error) {
	mt, err := sniff(object, size)
	if err != nil {
		return 0, err
	}
	if !mt.Is(contentTypePDF) {
		return 0, domain.WrapError(domain.ErrInvalidInput, "inspect pdf", fmt.Errorf("content looks like %s", mt.String()))
	}
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, domain.WrapError(domain.ErrInvalidInput, "inspect pdf", fmt.Errorf("malformed document: %v", r))
		}
	}()
	reader, err := pdf.NewReader(object, size)
	if err != nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "inspect pdf", err)
	}
	pages = reader.NumPage()
	if pages <= 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "inspect pdf", errors.New("document has no pages"))
	}
	return pages, nil
}

func inspectXLSX(object io.ReaderAt, size int64) ([]string, error) {
	book, err := excelize.OpenReader(io.NewSectionReader(object, 0, size))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "inspect xlsx", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "inspect xlsx", errors.New("workbook has no sheets"))
	}
	return sheets, nil
}

func inspectText(object io.ReaderAt, size int64) error {
	mt, err := sniff(object, size)
	if err != nil {
		return err
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return checkUTF8(object, size)
		}
	}
	return domain.WrapError(domain.ErrInvalidInput, "inspect text", fmt.Errorf("binary content detected as %s", mt.String()))
}

func checkUTF8(object io.ReaderAt, size int64) error {
	raw, err := io.ReadAll(io.NewSectionReader(object, 0, size))
	if err != nil {
		return fmt.Errorf("read text object: %w", err)
	}
	if !utf8.Valid(raw) {
		return domain.WrapError(domain.ErrInvalidInput, "inspect text", errors.New("content is not valid utf-8"))
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
