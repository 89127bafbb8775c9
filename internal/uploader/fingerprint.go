package uploader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// fingerprintWindow bytes are hashed from each end of the file.
const fingerprintWindow = 64 << 10

// ContentFingerprint digests the size plus the head and tail of content. It tells apart
// files that share name, size and type without reading the whole file.
func ContentFingerprint(content io.ReaderAt, size int64) (string, error) {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(size, 10)))

	head := min(size, fingerprintWindow)
	if err := hashRange(h, content, 0, head); err != nil {
		return "", err
	}
	if tail := min(size-head, fingerprintWindow); tail > 0 {
		if err := hashRange(h, content, size-tail, tail); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashRange(w io.Writer, content io.ReaderAt, offset, n int64) error {
	copied, err := io.Copy(w, io.NewSectionReader(content, offset, n))
	if err != nil {
		return fmt.Errorf("read file at %d: %w", offset, err)
	}
	if copied != n {
		return fmt.Errorf("read file at %d: got %d of %d bytes", offset, copied, n)
	}
	return nil
}
