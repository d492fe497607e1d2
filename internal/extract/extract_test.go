package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOCR struct {
	text string
	err  error
	mime string
}

func (f *fakeOCR) ExtractImageText(_ context.Context, _ []byte, mimeType string) (string, error) {
	f.mime = mimeType
	return f.text, f.err
}

// buildPDF writes a one-page PDF with a single line of text.
func buildPDF(line string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", line)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractPDF(t *testing.T) {
	e := New(nil)
	text, err := e.Extract(context.Background(), buildPDF("Ferritin 30 ng/mL"), MimePDF)
	require.NoError(t, err)
	assert.Contains(t, text, "Ferritin")
}

func TestExtractBrokenPDF(t *testing.T) {
	_, err := New(nil).Extract(context.Background(), []byte("%PDF-1.4 garbage"), MimePDF)
	require.Error(t, err)
}

func TestExtractImageUsesOCR(t *testing.T) {
	ocr := &fakeOCR{text: "Glucose 5.1"}
	text, err := New(ocr).Extract(context.Background(), []byte{1}, MimePNG)
	require.NoError(t, err)
	assert.Equal(t, "Glucose 5.1", text)
	assert.Equal(t, MimePNG, ocr.mime)

	ocr.text = "   "
	_, err = New(ocr).Extract(context.Background(), []byte{1}, MimeJPEG)
	assert.ErrorIs(t, err, ErrNoText)

	ocr.err = errors.New("quota")
	_, err = New(ocr).Extract(context.Background(), []byte{1}, MimeJPEG)
	assert.EqualError(t, err, "quota")
}

func TestExtractUnsupported(t *testing.T) {
	_, err := New(&fakeOCR{}).Extract(context.Background(), []byte("hello"), "text/plain")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, MimePDF, DetectType("application/PDF", "", nil))
	assert.Equal(t, MimeJPEG, DetectType("image/jpg", "", nil))
	assert.Equal(t, MimePNG, DetectType("", "scan.PNG", nil))
	assert.Equal(t, MimePDF, DetectType("application/octet-stream", "result.pdf", nil))
	assert.Equal(t, MimePDF, DetectType("", "", []byte("%PDF-1.7\n")))
	assert.Equal(t, MimeJPEG, DetectType("", "", []byte{0xff, 0xd8, 0xff, 0xe0}))
	assert.False(t, Supported("text/plain"))
	assert.True(t, Supported(MimePNG))
}
