package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects map[string][]byte
}

func (m memStore) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	m.objects[key] = body
	return nil
}

func (m memStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return b, nil
}

func (m memStore) DeleteObject(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m memStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func TestLoadConcatenatesSections(t *testing.T) {
	store := memStore{objects: map[string][]byte{
		"knowledge/u1/faq.txt": []byte("Q: when?\nA: now"),
	}}
	l := NewLoader(store, 0)

	out, err := l.Load(context.Background(), "u1", []Source{
		{Name: "FAQ", ObjectKey: "faq.txt", MimeType: "text/plain"},
		{Name: "Notes", Preview: "inline notes"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "--- FAQ ---")
	require.Contains(t, out, "Q: when?")
	require.Contains(t, out, "--- Notes ---")
	require.Contains(t, out, "inline notes")
}

func TestLoadFallsBackToPreviewOnMissingObject(t *testing.T) {
	store := memStore{objects: map[string][]byte{}}
	l := NewLoader(store, 0)

	out, err := l.Load(context.Background(), "u1", []Source{
		{Name: "Gone", ObjectKey: "missing.txt", MimeType: "text/plain", Preview: "cached preview"},
		{Name: "Empty", ObjectKey: "also-missing.txt"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "cached preview")
	require.NotContains(t, out, "Empty")
}

func TestLoadRespectsCap(t *testing.T) {
	store := memStore{objects: map[string][]byte{
		"knowledge/u1/big.txt": []byte(strings.Repeat("x", 500)),
	}}
	l := NewLoader(store, 200)

	out, err := l.Load(context.Background(), "u1", []Source{
		{Name: "Big", ObjectKey: "big.txt", MimeType: "text/plain"},
		{Name: "Next", Preview: "never reached"},
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), 200)
	require.NotContains(t, out, "never reached")
}

func TestLoadUnknownBinaryUsesPreview(t *testing.T) {
	store := memStore{objects: map[string][]byte{
		"knowledge/u1/img.png": {0x89, 0x50, 0x4e, 0x47},
	}}
	l := NewLoader(store, 0)

	out, err := l.Load(context.Background(), "u1", []Source{
		{Name: "Image", ObjectKey: "img.png", MimeType: "image/png", Preview: "a chart of sales"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "a chart of sales")
	require.NotContains(t, out, "PNG")
}

func TestRegisterExtractor(t *testing.T) {
	store := memStore{objects: map[string][]byte{
		"knowledge/u1/data.bin": []byte{1, 2, 3},
	}}
	l := NewLoader(store, 0)
	l.RegisterExtractor("application/x-custom", func(data []byte) (string, error) {
		return "decoded custom format", nil
	})

	out, err := l.Load(context.Background(), "u1", []Source{
		{Name: "Custom", ObjectKey: "data.bin", MimeType: "application/x-custom"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "decoded custom format")
}

func buildDocx(t *testing.T, paragraphs []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)

	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)
	_, err = w.Write([]byte(body.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractDocx(t *testing.T) {
	data := buildDocx(t, []string{"first paragraph", "second paragraph"})

	text, err := extractDocx(data)
	require.NoError(t, err)
	require.Contains(t, text, "first paragraph")
	require.Contains(t, text, "second paragraph")
	require.Contains(t, text, "\n")

	_, err = extractDocx([]byte("not a zip"))
	require.Error(t, err)
}

func TestExtractPDFRejectsMalformedInput(t *testing.T) {
	_, err := extractPDF([]byte("not a pdf"))
	require.Error(t, err)

	// Truncated bodies must come back as errors, not panics, so Load can
	// fall back to the stored preview.
	_, err = extractPDF([]byte("%PDF-1.4\ngarbage"))
	require.Error(t, err)
}

func TestLoadBrokenPDFUsesPreview(t *testing.T) {
	store := memStore{objects: map[string][]byte{
		"knowledge/u1/report.pdf": []byte("%PDF-1.4\ngarbage"),
	}}
	l := NewLoader(store, 0)

	out, err := l.Load(context.Background(), "u1", []Source{
		{Name: "Report", ObjectKey: "report.pdf", MimeType: "application/pdf", Preview: "quarterly numbers"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "quarterly numbers")
}

func TestTruncateUTF8(t *testing.T) {
	s := "héllo wörld"
	cut := truncateUTF8(s, 3)
	require.LessOrEqual(t, len(cut), 3)
	require.True(t, strings.HasPrefix(s, cut))

	require.Equal(t, s, truncateUTF8(s, 1000))
}
