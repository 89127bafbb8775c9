package inspect

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

type memObject struct {
	*bytes.Reader
}

func (memObject) Close() error { return nil }

func object(data []byte) memObject {
	return memObject{Reader: bytes.NewReader(data)}
}

// minimalPDF builds a document with the given page count and a valid cross-reference table.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages),
	}
	for i := 0; i < pages; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestInspectPDFCountsPages(t *testing.T) {
	data := minimalPDF(2)
	got, err := New().Inspect(context.Background(), "application/pdf", object(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if got.PageCount != 2 {
		t.Fatalf("expected 2 pages, got %d", got.PageCount)
	}
	sum := sha256.Sum256(data)
	if got.ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected hash %s", got.ContentHash)
	}
}

func TestInspectPDFRejectsOtherContent(t *testing.T) {
	data := []byte("this is plain text pretending to be a pdf")
	_, err := New().Inspect(context.Background(), "application/pdf", object(data), int64(len(data)))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestInspectXLSXListsSheets(t *testing.T) {
	book := excelize.NewFile()
	if _, err := book.NewSheet("Totals"); err != nil {
		t.Fatalf("NewSheet() error = %v", err)
	}
	buf, err := book.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}
	data := buf.Bytes()

	got, err := New().Inspect(context.Background(), contentTypeXLSX, object(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(got.Sheets) != 2 || got.Sheets[1] != "Totals" {
		t.Fatalf("unexpected sheets: %v", got.Sheets)
	}
}

func TestInspectXLSXRejectsGarbage(t *testing.T) {
	data := []byte("not a zip archive")
	_, err := New().Inspect(context.Background(), contentTypeXLSX, object(data), int64(len(data)))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestInspectText(t *testing.T) {
	data := []byte("# notes\nплан на неделю\n")
	if _, err := New().Inspect(context.Background(), "text/markdown", object(data), int64(len(data))); err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	binary := minimalPDF(1)
	_, err := New().Inspect(context.Background(), "text/plain", object(binary), int64(len(binary)))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected binary text to be rejected, got %v", err)
	}
}

func TestInspectRejectsShortObject(t *testing.T) {
	data := []byte("abc")
	_, err := New().Inspect(context.Background(), "text/plain", object(data), 10)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected short read to be rejected, got %v", err)
	}
	if _, err := New().Inspect(context.Background(), "text/plain", object(nil), 0); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected empty object to be rejected, got %v", err)
	}
}
