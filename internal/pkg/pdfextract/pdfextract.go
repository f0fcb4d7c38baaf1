// Package pdfextract pulls plain text out of uploaded PDFs for token
// estimation. The parser chokes on some malformed files, so extraction is
// hardened; callers treat any failure as "no extractable text" and fall back
// to byte-based estimates.
package pdfextract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// ExtractText reads all of r and returns the PDF's plain text. A PDF with no
// extractable text yields an empty string and no error.
func ExtractText(r io.Reader) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = fmt.Errorf("pdf parse panic: %v", rec)
		}
	}()

	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	pdfReader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", err
	}
	plainReader, err := pdfReader.GetPlainText()
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(plainReader)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
