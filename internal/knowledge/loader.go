// Package knowledge turns a user's stored knowledge sources into the plain
// text that gets injected into a retriever node. Output is bounded so one
// oversized upload cannot blow up a flow payload.
package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"teachcharlie/internal/objstore"
)

// DefaultMaxChars caps the concatenated output.
const DefaultMaxChars = 100000

// Source describes one stored knowledge file.
type Source struct {
	ID        string
	Name      string
	ObjectKey string
	MimeType  string
	Preview   string
}

// Extractor converts raw file bytes to plain text.
type Extractor func(data []byte) (string, error)

type Loader struct {
	store      objstore.Store
	maxChars   int
	extractors map[string]Extractor
}

func NewLoader(store objstore.Store, maxChars int) *Loader {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	l := &Loader{
		store:      store,
		maxChars:   maxChars,
		extractors: map[string]Extractor{},
	}
	l.extractors["application/vnd.openxmlformats-officedocument.wordprocessingml.document"] = extractDocx
	l.extractors["application/pdf"] = extractPDF
	return l
}

// RegisterExtractor installs or replaces the extractor for a mime type.
func (l *Loader) RegisterExtractor(mimeType string, fn Extractor) {
	l.extractors[strings.ToLower(mimeType)] = fn
}

// Load concatenates the sources' text, each section prefixed with its name.
// When adding a section would cross the cap, the section is truncated in
// place and loading stops.
func (l *Loader) Load(ctx context.Context, userID string, sources []Source) (string, error) {
	var b strings.Builder
	for _, src := range sources {
		text, err := l.sourceText(ctx, userID, src)
		if err != nil {
			// A broken source should not poison the rest; use its preview.
			text = src.Preview
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		section := fmt.Sprintf("\n\n--- %s ---\n\n%s", src.Name, text)
		if b.Len()+len(section) > l.maxChars {
			room := l.maxChars - b.Len()
			if room > 0 {
				b.WriteString(truncateUTF8(section, room))
			}
			break
		}
		b.WriteString(section)
	}
	return b.String(), nil
}

func (l *Loader) sourceText(ctx context.Context, userID string, src Source) (string, error) {
	if strings.TrimSpace(src.ObjectKey) == "" {
		return src.Preview, nil
	}
	key := objstore.UserKnowledgePrefix(userID) + strings.TrimLeft(src.ObjectKey, "/")
	data, err := l.store.GetObject(ctx, key)
	if err != nil {
		return "", err
	}

	mime := strings.ToLower(strings.TrimSpace(src.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case strings.HasPrefix(mime, "text/"),
		mime == "application/json",
		mime == "application/xml",
		mime == "application/x-yaml",
		mime == "":
		return string(data), nil
	}
	if fn, ok := l.extractors[mime]; ok {
		return fn(data)
	}
	// Unknown binary format: the stored preview is the best we have.
	return src.Preview, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// extractDocx pulls the visible text from a .docx body. A docx is a zip
// archive; the text lives in word/document.xml inside <w:t> elements.
func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("docx has no word/document.xml")
	}
	rc, err := doc.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "p":
				if b.Len() > 0 {
					b.WriteString("\n")
				}
			case "br", "cr":
				b.WriteString("\n")
			case "tab":
				b.WriteString("\t")
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
			}
		case xml.CharData:
			if inText {
				b.Write([]byte(t))
			}
		}
	}
	return b.String(), nil
}
