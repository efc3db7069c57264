// Package export writes stored records to spreadsheet workbooks.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/storage"
)

const (
	recordsSheet = "Records"
	speciesSheet = "Species"

	maxExcerptLen = 500
)

// RecordLister lists stored records.
type RecordLister interface {
	List(ctx context.Context, f storage.RecordFilter) ([]*records.ArticleRecord, error)
}

// Service produces XLSX exports of the local record store.
type Service struct {
	records RecordLister
	logger  *slog.Logger
}

func NewService(lister RecordLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: lister, logger: logger}
}

var recordHeaders = []string{
	"Record ID",
	"Document",
	"Species",
	"Communities",
	"Uses",
	"Excerpt",
	"Status",
	"Revision",
	"Confidence",
	"Updated",
}

// XLSX returns a workbook with one row per live record matching f, plus a
// species sheet counting how many records mention each species.
func (s *Service) XLSX(ctx context.Context, f storage.RecordFilter) ([]byte, error) {
	start := time.Now()
	f.IncludeDeleted = false

	recs, err := s.records.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	wb := excelize.NewFile()
	defer wb.Close()

	// The default workbook starts with "Sheet1"; rename it rather than
	// leaving an empty first sheet.
	if err := wb.SetSheetName(wb.GetSheetName(0), recordsSheet); err != nil {
		return nil, err
	}
	if _, err := wb.NewSheet(speciesSheet); err != nil {
		return nil, err
	}
	wb.SetActiveSheet(0)

	if err := writeRow(wb, recordsSheet, 1, toAny(recordHeaders)); err != nil {
		return nil, err
	}
	for i, r := range recs {
		if err := writeRow(wb, recordsSheet, i+2, recordRow(r)); err != nil {
			return nil, fmt.Errorf("writing record %s: %w", r.ID, err)
		}
	}
	_ = wb.SetColWidth(recordsSheet, "A", "B", 38)
	_ = wb.SetColWidth(recordsSheet, "C", "E", 30)
	_ = wb.SetColWidth(recordsSheet, "F", "F", 80)
	_ = wb.SetColWidth(recordsSheet, "G", "I", 14)
	_ = wb.SetColWidth(recordsSheet, "J", "J", 22)
	_ = wb.SetPanes(recordsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := writeSpecies(wb, recs); err != nil {
		return nil, err
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("records exported",
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func recordRow(r *records.ArticleRecord) []any {
	species := make([]string, len(r.Species))
	for i, sp := range r.Species {
		species[i] = sp.ScientificName
	}
	communities := make([]string, len(r.Communities))
	for i, c := range r.Communities {
		communities[i] = c.Name
		if c.Region != "" {
			communities[i] += " (" + c.Region + ")"
		}
	}
	excerpt := ""
	if len(r.Excerpts) > 0 {
		excerpt = truncate(r.Excerpts[0], maxExcerptLen)
	}
	return []any{
		string(r.ID),
		r.DocumentID,
		strings.Join(species, "; "),
		strings.Join(communities, "; "),
		strings.Join(r.Uses, "; "),
		excerpt,
		string(r.Status),
		int64(r.Revision),
		minConfidence(r.Confidence),
		r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// minConfidence is the weakest field confidence, or empty when unknown.
func minConfidence(c map[string]float64) any {
	if len(c) == 0 {
		return ""
	}
	low := 1.0
	for _, v := range c {
		if v < low {
			low = v
		}
	}
	return low
}

func writeSpecies(wb *excelize.File, recs []*records.ArticleRecord) error {
	type row struct {
		name    string
		common  string
		records int
	}
	byKey := make(map[string]*row)
	for _, r := range recs {
		for _, sp := range r.Species {
			e, ok := byKey[sp.Key]
			if !ok {
				e = &row{name: sp.ScientificName, common: strings.Join(sp.CommonNames, ", ")}
				byKey[sp.Key] = e
			}
			e.records++
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := writeRow(wb, speciesSheet, 1, []any{"Scientific name", "Common names", "Records"}); err != nil {
		return err
	}
	for i, k := range keys {
		e := byKey[k]
		if err := writeRow(wb, speciesSheet, i+2, []any{e.name, e.common, e.records}); err != nil {
			return err
		}
	}
	_ = wb.SetColWidth(speciesSheet, "A", "B", 32)
	return nil
}

func writeRow(wb *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return wb.SetSheetRow(sheet, cell, &values)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
