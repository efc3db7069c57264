package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html/charset"
)

// Text is the decoded content of a document, one entry per page.
type Text struct {
	MimeType string
	Pages    []string
}

// Empty reports whether no page carries any non-space text.
func (t Text) Empty() bool {
	for _, p := range t.Pages {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}

// OCR recognizes text in scanned documents and images.
type OCR interface {
	Recognize(ctx context.Context, data []byte, mimeType string) (Text, error)
}

// Decoder sniffs the document format and extracts its text.
type Decoder struct {
	// OCR is optional. Without it, images and scanned PDFs are unavailable.
	OCR    OCR
	Logger *slog.Logger
}

// Decode returns the text of data. Unsupported, empty or corrupt input
// yields an error matching ErrExtractionUnavailable.
func (d *Decoder) Decode(ctx context.Context, docID string, data []byte) (Text, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Text{}, unavailable(docID, "empty document", nil)
	}

	switch kind := sniff(data); kind {
	case "application/pdf":
		return d.decodePDF(ctx, docID, data)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return decodeDOCX(docID, data)
	case "text/html":
		return decodeHTML(docID, data)
	case "text/plain":
		if !utf8.Valid(data) {
			r, err := charset.NewReader(bytes.NewReader(data), "text/plain")
			if err != nil {
				return Text{}, unavailable(docID, "undecodable text", err)
			}
			b, err := io.ReadAll(r)
			if err != nil {
				return Text{}, unavailable(docID, "undecodable text", err)
			}
			data = b
		}
		return Text{MimeType: kind, Pages: []string{string(data)}}, nil
	default:
		if strings.HasPrefix(kind, "image/") {
			return d.ocr(ctx, docID, data, kind)
		}
		return Text{}, unavailable(docID, "unsupported format "+kind, nil)
	}
}

func (d *Decoder) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Decoder) ocr(ctx context.Context, docID string, data []byte, mimeType string) (Text, error) {
	if d.OCR == nil {
		return Text{}, unavailable(docID, "no OCR backend for "+mimeType, nil)
	}
	t, err := d.OCR.Recognize(ctx, data, mimeType)
	if err != nil {
		if ctx.Err() != nil {
			return Text{}, ctx.Err()
		}
		return Text{}, unavailable(docID, "ocr failed", err)
	}
	if t.Empty() {
		return Text{}, unavailable(docID, "ocr found no text", nil)
	}
	return t, nil
}

func sniff(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		if isDOCX(data) {
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		}
		return "application/zip"
	}

	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch {
	case ct == "text/html":
		return ct
	case strings.HasPrefix(ct, "text/"):
		return "text/plain"
	case ct == "application/octet-stream" && utf8.Valid(data):
		return "text/plain"
	}
	return ct
}

func (d *Decoder) decodePDF(ctx context.Context, docID string, data []byte) (t Text, err error) {
	// The PDF reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			t, err = Text{}, unavailable(docID, "corrupt pdf", fmt.Errorf("%v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Text{}, unavailable(docID, "corrupt pdf", err)
	}

	t = Text{MimeType: "application/pdf"}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			t.Pages = append(t.Pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			d.logger().Warn("pdf page unreadable", "document_id", docID, "page", i, "error", err)
			text = ""
		}
		t.Pages = append(t.Pages, text)
	}

	if t.Empty() {
		// No text layer: a scanned document.
		return d.ocr(ctx, docID, data, "application/pdf")
	}
	return t, nil
}

func decodeHTML(docID string, data []byte) (Text, error) {
	r, err := charset.NewReader(bytes.NewReader(data), "text/html")
	if err != nil {
		return Text{}, unavailable(docID, "undecodable html", err)
	}
	utf8Data, err := io.ReadAll(r)
	if err != nil {
		return Text{}, unavailable(docID, "undecodable html", err)
	}

	article, err := readability.FromReader(bytes.NewReader(utf8Data), &url.URL{Scheme: "file", Path: "/" + docID})
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return Text{MimeType: "text/html", Pages: []string{article.TextContent}}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8Data))
	if err != nil {
		return Text{}, unavailable(docID, "malformed html", err)
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()
	var parts []string
	doc.Find("h1, h2, h3, h4, p, li, td, blockquote").Each(func(_ int, s *goquery.Selection) {
		if txt := strings.TrimSpace(s.Text()); txt != "" {
			parts = append(parts, txt)
		}
	})
	if len(parts) == 0 {
		parts = append(parts, strings.TrimSpace(doc.Find("body").Text()))
	}
	t := Text{MimeType: "text/html", Pages: []string{strings.Join(parts, "\n")}}
	if t.Empty() {
		return Text{}, unavailable(docID, "html has no text", nil)
	}
	return t, nil
}

func isDOCX(data []byte) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return true
		}
	}
	return false
}

// decodeDOCX reads paragraph text from word/document.xml.
func decodeDOCX(docID string, data []byte) (Text, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Text{}, unavailable(docID, "corrupt docx", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return Text{}, unavailable(docID, "docx without document part", nil)
	}
	rc, err := doc.Open()
	if err != nil {
		return Text{}, unavailable(docID, "corrupt docx", err)
	}
	defer rc.Close()

	var b strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Text{}, unavailable(docID, "corrupt docx", err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			inText = el.Name.Local == "t"
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(el)
			}
		}
	}
	t := Text{MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Pages: []string{b.String()}}
	if t.Empty() {
		return Text{}, unavailable(docID, "docx has no text", nil)
	}
	return t, nil
}
