package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
)

// DocumentAIConfig names the Document AI processor used for OCR.
type DocumentAIConfig struct {
	ProjectID       string
	Location        string
	ProcessorID     string
	CredentialsFile string
}

// DocumentAIOCR recognizes text with a Google Document AI OCR processor.
type DocumentAIOCR struct {
	client    *documentai.DocumentProcessorClient
	processor string
	logger    *slog.Logger
}

// NewDocumentAIOCR dials the regional Document AI endpoint.
func NewDocumentAIOCR(ctx context.Context, cfg DocumentAIConfig, logger *slog.Logger) (*DocumentAIOCR, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("documentai: project and processor are required")
	}
	location := cfg.Location
	if location == "" {
		location = "us"
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.ClientOption{option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location))}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	logger.Info("document ai ocr initialized", "location", location, "processor", cfg.ProcessorID)
	return &DocumentAIOCR{
		client:    client,
		processor: fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.ProjectID, location, cfg.ProcessorID),
		logger:    logger,
	}, nil
}

// Close releases the client connection.
func (o *DocumentAIOCR) Close() error {
	return o.client.Close()
}

// Recognize sends the raw document to the processor and returns one text
// entry per recognized page.
func (o *DocumentAIOCR) Recognize(ctx context.Context, data []byte, mimeType string) (Text, error) {
	resp, err := o.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: o.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return Text{}, fmt.Errorf("documentai process: %w", err)
	}
	doc := resp.GetDocument()
	if doc == nil {
		return Text{MimeType: mimeType}, nil
	}
	return pagesFromDocument(doc, mimeType), nil
}

func pagesFromDocument(doc *documentaipb.Document, mimeType string) Text {
	full := doc.GetText()
	t := Text{MimeType: mimeType}
	for _, p := range doc.GetPages() {
		t.Pages = append(t.Pages, textFromAnchor(full, p.GetLayout().GetTextAnchor()))
	}
	if len(t.Pages) == 0 && full != "" {
		t.Pages = []string{full}
	}
	return t
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || full == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start := int(seg.GetStartIndex())
		end := min(int(seg.GetEndIndex()), len(full))
		if start < 0 || start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}
