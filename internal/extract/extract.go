// Package extract pulls plain text out of uploaded lab result files.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrNoText      = errors.New("no text found in file")
)

const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
)

// ImageReader does OCR on a scan or photo.
type ImageReader interface {
	ExtractImageText(ctx context.Context, image []byte, mimeType string) (string, error)
}

type Extractor struct {
	ocr ImageReader
}

func New(ocr ImageReader) *Extractor {
	return &Extractor{ocr: ocr}
}

// DetectType resolves the MIME type from the declared type, the file name and the content, in that order.
func DetectType(declared, fileName string, data []byte) string {
	switch strings.ToLower(declared) {
	case MimePDF, MimeJPEG, MimePNG:
		return strings.ToLower(declared)
	case "image/jpg":
		return MimeJPEG
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return MimePDF
	case ".jpg", ".jpeg":
		return MimeJPEG
	case ".png":
		return MimePNG
	}
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}

// Supported reports whether the MIME type can be processed.
func Supported(mimeType string) bool {
	switch mimeType {
	case MimePDF, MimeJPEG, MimePNG:
		return true
	}
	return false
}

func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	var (
		text string
		err  error
	)
	switch mimeType {
	case MimePDF:
		text, err = PDFText(data)
	case MimeJPEG, MimePNG:
		if e.ocr == nil {
			return "", ErrUnsupported
		}
		text, err = e.ocr.ExtractImageText(ctx, data, mimeType)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	return text, nil
}

// PDFText returns the text layer of every page. Scanned PDFs without one yield ErrNoText.
func PDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}
