// Package extract turns artifact bytes into searchable plain text. Only
// PDFs are handled; everything else (and every extraction failure) yields
// the empty string, which the store treats as "no extracted text".
package extract

import (
	"bytes"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF-")

// Text extracts plain text from data. Pure: no I/O beyond the input bytes,
// no error — scanned or malformed PDFs simply come back empty.
func Text(data []byte, mimeHint string) (out string) {
	if !looksLikePDF(data, mimeHint) {
		return ""
	}
	// The pdf package panics on some malformed inputs; treat that the
	// same as an extraction error.
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return ""
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(text))
}

func looksLikePDF(data []byte, mimeHint string) bool {
	if strings.Contains(mimeHint, "application/pdf") {
		return true
	}
	return bytes.HasPrefix(data, pdfMagic)
}
